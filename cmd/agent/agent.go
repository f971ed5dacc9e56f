package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/template"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/cmd/launcher"
	"google.golang.org/adk/cmd/launcher/full"
	"google.golang.org/adk/model/gemini"

	"github.com/easeaico/code-pattern-agent/internal/llm"
	"github.com/easeaico/code-pattern-agent/internal/service"
	"github.com/easeaico/code-pattern-agent/internal/tools"
)

// agentCmd hands the remaining arguments to the ADK launcher, so flags after
// "agent" belong to the launcher. Use PATTERN_AGENT_CONFIG for a config file.
var agentCmd = &cobra.Command{
	Use:                "agent [launcher args]",
	Short:              "Run the interactive coding agent backed by the pattern memory",
	DisableFlagParsing: true,
	RunE:               runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, bootstrapOptions{autoSeed: true})
	if err != nil {
		return err
	}
	defer a.Close()

	embedder, err := llm.NewClient(ctx, cfg.APIKey)
	if err != nil {
		return err
	}

	agentTools, err := tools.BuildTools(tools.ToolsConfig{
		Store:    a.store,
		Matcher:  a.matcher,
		Embedder: embedder,
		WorkDir:  cfg.WorkDir,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build tools: %w", err)
	}

	memoryService, err := service.NewMemoryService(service.MemoryServiceConfig{
		Store:    a.store,
		Matcher:  a.matcher,
		Embedder: embedder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	llmModel, err := gemini.NewModel(ctx, llm.DefaultChatModel, llm.ClientConfig(cfg.APIKey))
	if err != nil {
		return fmt.Errorf("failed to create LLM model: %w", err)
	}

	instruction, err := buildInstruction(instructionData{
		Patterns: a.store.Len(),
		WorkDir:  cfg.WorkDir,
	})
	if err != nil {
		return err
	}

	llmAgent, err := llmagent.New(llmagent.Config{
		Name:        "code_pattern_agent",
		Description: "Coding assistant that reuses and grows a memory of code patterns",
		Model:       llmModel,
		Instruction: instruction,
		Tools:       agentTools,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info("agent initialized",
		zap.Int("patterns", a.store.Len()),
		zap.Int("tools", len(agentTools)),
	)

	l := full.NewLauncher()
	config := &launcher.Config{
		AgentLoader:   agent.NewSingleLoader(llmAgent),
		MemoryService: memoryService,
	}
	if err := l.Execute(ctx, config, args); err != nil {
		return fmt.Errorf("failed to run agent: %w\n\n%s", err, l.CommandLineSyntax())
	}
	return nil
}

type instructionData struct {
	Patterns int
	WorkDir  string
}

var instructionTmpl = template.Must(template.New("instruction").Parse(`
You are a senior software engineer who answers coding requests by reusing
proven code patterns before writing anything new.

The pattern memory currently holds {{.Patterns}} pattern{{if ne .Patterns 1}}s{{end}}.
The workspace root is {{.WorkDir}}.

You can:
1. Search the pattern memory with search_patterns
2. Save a reusable snippet with save_pattern
3. Read workspace files with read_file_content and list_directory

When answering:
- Always search the pattern memory first and prefer the simplest matching pattern
- Adapt patterns to the workspace code you have read
- Put code in fenced blocks tagged with its language
- After solving a request with new reusable code, save it with save_pattern
`))

// buildInstruction renders the agent's system instruction.
func buildInstruction(data instructionData) (string, error) {
	var buf bytes.Buffer
	if err := instructionTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render instruction: %w", err)
	}
	return buf.String(), nil
}
