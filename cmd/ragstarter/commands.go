package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ragstarter/internal/config"
	"github.com/kalambet/ragstarter/internal/document"
	"github.com/kalambet/ragstarter/internal/engine"
	"github.com/kalambet/ragstarter/internal/index"
	"github.com/kalambet/ragstarter/internal/pipeline"
	"github.com/kalambet/ragstarter/internal/query"
)

// skipConfig marks commands that must work with a broken config file.
const skipConfig = "skip-config"

// globalFlags override configuration for a single invocation.
type globalFlags struct {
	model    string
	docs     string
	storage  string
	logLevel string
	noColor  bool
}

func (g globalFlags) apply(cfg *config.Config) {
	if g.model != "" {
		cfg.LLM.Model = g.model
	}
	if g.docs != "" {
		cfg.Docs.Dir = g.docs
	}
	if g.storage != "" {
		cfg.Storage.IndexDir = g.storage
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
}

// cli is the state shared by every command of one invocation.
type cli struct {
	flags globalFlags
	cfg   config.Config
}

// loadConfig and detectEngine are swapped out in tests.
var (
	loadConfig   = config.Load
	detectEngine = func(cfg config.Config) (engine.Engine, error) {
		temp := cfg.LLM.Temperature
		return engine.Detect(engine.DetectConfig{
			Backend:     cfg.LLM.Backend,
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Temperature: &temp,
		})
	}
)

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "ragstarter",
		Short: "Answer questions from a folder of documents with a local LLM",
		Long: `ragstarter indexes a folder of documents once, persists the index, and
answers questions from it with a local language model. It can also generate
questions from the documents and judge its own answers.

Running ragstarter without a command executes the full pipeline (run).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
		RunE: c.runPipeline,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.model, "model", "", "chat model (overrides llm.model)")
	pf.StringVar(&c.flags.docs, "docs", "", "documents folder (overrides docs.dir)")
	pf.StringVar(&c.flags.storage, "storage", "", "index directory (overrides storage.index_dir)")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&c.flags.noColor, "no-color", false, "disable colored output")

	addRunFlags(root)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve the index, evaluate generated questions and answer the configured question",
		Args:  cobra.NoArgs,
		RunE:  c.runPipeline,
	}
	addRunFlags(runCmd)

	root.AddCommand(
		runCmd,
		c.indexCmd(),
		c.askCmd(),
		c.evalCmd(),
		c.statusCmd(),
		c.serveCmd(),
		configCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	setNoColor(c.flags.noColor)

	if cmd.Annotations[skipConfig] != "" {
		setupLogging(c.flags.logLevel)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c.flags.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	setupLogging(cfg.Log.Level)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})))
}

// readyEngine returns the configured backend once it is reachable and both
// models are available.
func (c *cli) readyEngine(cmd *cobra.Command) (engine.Engine, error) {
	eng, err := detectEngine(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("detecting llm backend: %w", err)
	}
	err = engine.EnsureReady(cmd.Context(), eng, engine.ReadyOptions{
		ChatModel:   c.cfg.LLM.Model,
		EmbedModel:  c.cfg.LLM.EmbedModel,
		Wait:        c.cfg.LLM.StartupWait,
		PullMissing: c.cfg.LLM.PullMissing,
	}, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// progressPrinter announces each build stage once.
func progressPrinter() func(index.Progress) {
	var last index.Stage
	return func(p index.Progress) {
		if p.Stage == last {
			return
		}
		last = p.Stage
		printStep("%s %d items", p.Stage, p.Total)
	}
}

// --- run ---

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("eval", false, "generate and evaluate questions (overrides eval.enabled)")
	cmd.Flags().Int("limit", 0, "number of generated questions to evaluate (overrides eval.limit)")
	cmd.Flags().String("output", "", "evaluation results file (overrides eval.output)")
	cmd.Flags().String("question", "", "question answered at the end (overrides query.question)")
}

func runOptions(cmd *cobra.Command, cfg config.Config) pipeline.Options {
	opts := pipeline.OptionsFromConfig(cfg)
	fl := cmd.Flags()
	if fl.Changed("eval") {
		opts.Evaluate, _ = fl.GetBool("eval")
	}
	if fl.Changed("limit") {
		opts.Limit, _ = fl.GetInt("limit")
	}
	if fl.Changed("output") {
		opts.OutputPath, _ = fl.GetString("output")
	}
	if fl.Changed("question") {
		opts.Question, _ = fl.GetString("question")
	}
	return opts
}

func (c *cli) runPipeline(cmd *cobra.Command, args []string) error {
	return c.execute(cmd, runOptions(cmd, c.cfg))
}

func (c *cli) execute(cmd *cobra.Command, opts pipeline.Options) error {
	eng, err := c.readyEngine(cmd)
	if err != nil {
		return err
	}

	start := time.Now()
	rep, err := pipeline.Run(cmd.Context(), opts, pipeline.Deps{
		Engine:   eng,
		Progress: progressPrinter(),
	}, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	if opts.Evaluate {
		passed := 0
		for _, r := range rep.Records {
			if r.Score >= 1 {
				passed++
			}
		}
		printStatus("Evaluated", "%d of %d generated questions, %d passing", len(rep.Records), len(rep.Questions), passed)
		if opts.OutputPath != "" {
			printStatus("Results", "%s", opts.OutputPath)
		}
	}
	slog.Debug("run finished", "outcome", rep.Outcome.String(), "elapsed", time.Since(start))
	return nil
}

// --- index ---

func (c *cli) indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the index if it does not exist yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rebuild, _ := cmd.Flags().GetBool("rebuild")
			path := c.cfg.Storage.IndexDir

			eng, err := detectEngine(c.cfg)
			if err != nil {
				return fmt.Errorf("detecting llm backend: %w", err)
			}
			if err := engine.EnsureReady(cmd.Context(), eng, engine.ReadyOptions{
				EmbedModel:  c.cfg.LLM.EmbedModel,
				Wait:        c.cfg.LLM.StartupWait,
				PullMissing: c.cfg.LLM.PullMissing,
			}, cmd.ErrOrStderr()); err != nil {
				return err
			}

			res, err := index.Resolve(cmd.Context(), index.GateOptions{
				Path:    path,
				Source:  document.NewLoader(c.cfg.Docs.Dir),
				Rebuild: rebuild,
				Build: index.BuildOptions{
					Chunk:    pipeline.OptionsFromConfig(c.cfg).Chunk,
					Embedder: index.NewEmbedder(eng, c.cfg.LLM.EmbedModel, c.cfg.Embed.Concurrency),
					Progress: progressPrinter(),
				},
			})
			if err != nil {
				return err
			}
			defer res.Index.Close()

			st, err := res.Index.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if res.Outcome == index.Built {
				printSuccess("Built index at %s: %d documents, %d chunks", path, st.Documents, st.Chunks)
			} else {
				printSuccess("Index already exists at %s: %d documents, %d chunks (use --rebuild to rebuild)", path, st.Documents, st.Chunks)
			}
			return nil
		},
	}
	cmd.Flags().Bool("rebuild", false, "build the index again and replace the existing one once the build succeeds")
	return cmd
}

// --- ask ---

func (c *cli) askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question from the indexed documents",
		Long: `Answer one question from the indexed documents. The index is built
first when it does not exist.

Examples:
  ragstarter ask "What did the author do growing up?"
  ragstarter ask --sources What did the author work on before college
  ragstarter ask --remote "What is Lisp?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return query.ErrEmptyQuestion
			}
			sources, _ := cmd.Flags().GetBool("sources")
			remote, _ := cmd.Flags().GetBool("remote")

			var resp askResponse
			if remote {
				client := newAPIClient(c.cfg, 5*time.Minute)
				r, err := client.post(cmd.Context(), "/query", map[string]string{"question": question})
				if err != nil {
					return err
				}
				if err := decodeJSON(r, &resp); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Answer)
			} else {
				opts := pipeline.OptionsFromConfig(c.cfg)
				opts.Evaluate = false
				opts.Question = question
				eng, err := c.readyEngine(cmd)
				if err != nil {
					return err
				}
				rep, err := pipeline.Run(cmd.Context(), opts, pipeline.Deps{Engine: eng, Progress: progressPrinter()}, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				for _, s := range rep.Answer.Sources {
					resp.Sources = append(resp.Sources, askSource{Path: s.DocumentPath, Heading: s.Heading, Score: s.Score})
				}
			}

			if sources {
				for i, s := range resp.Sources {
					where := s.Path
					if s.Heading != "" {
						where += " > " + s.Heading
					}
					printStatus(fmt.Sprintf("Source %d", i+1), "%s [score: %.3f]", where, s.Score)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("sources", false, "list the passages the answer was based on")
	cmd.Flags().Bool("remote", false, "ask a running `ragstarter serve` instead of opening the index")
	return cmd
}

type askSource struct {
	Path    string  `json:"document_path"`
	Heading string  `json:"heading"`
	Score   float32 `json:"score"`
}

type askResponse struct {
	Answer  string      `json:"answer"`
	Sources []askSource `json:"sources"`
}

// --- eval ---

func (c *cli) evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Generate questions from the documents and judge the answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pipeline.OptionsFromConfig(c.cfg)
			opts.Evaluate = true
			opts.Question = ""
			fl := cmd.Flags()
			if fl.Changed("limit") {
				opts.Limit, _ = fl.GetInt("limit")
			}
			if fl.Changed("questions") {
				opts.NumQuestions, _ = fl.GetInt("questions")
			}
			if fl.Changed("output") {
				opts.OutputPath, _ = fl.GetString("output")
			}
			return c.execute(cmd, opts)
		},
	}
	cmd.Flags().Int("limit", 0, "number of generated questions to evaluate (overrides eval.limit)")
	cmd.Flags().Int("questions", 0, "number of questions to generate (overrides eval.questions)")
	cmd.Flags().String("output", "", "evaluation results file (overrides eval.output)")
	return cmd
}

// --- status ---

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index, backend and server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), c.cfg)
		},
	}
}

func showStatus(ctx context.Context, cfg config.Config) error {
	path := cfg.Storage.IndexDir
	ok, err := index.Exists(path)
	switch {
	case err != nil:
		printStatus("Index", "error: %v", err)
	case !ok:
		printStatus("Index", "not built (%s)", path)
	default:
		showIndexStatus(ctx, cfg)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if eng, err := detectEngine(cfg); err != nil {
		printStatus("Backend", "error: %v", err)
	} else if eng.IsRunning(checkCtx) {
		printStatus("Backend", "%s running at %s", eng.Name(), cfg.LLM.BaseURL)
	} else {
		printStatus("Backend", "%s not running at %s", eng.Name(), cfg.LLM.BaseURL)
	}
	printStatus("Chat model", "%s", cfg.LLM.Model)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)

	client := newAPIClient(cfg, 2*time.Second)
	if client.healthy(checkCtx) {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "stopped")
	}
	return nil
}

func showIndexStatus(ctx context.Context, cfg config.Config) {
	path := cfg.Storage.IndexDir
	idx, err := index.Open(path, nil)
	if err != nil {
		printStatus("Index", "unreadable: %v", err)
		return
	}
	defer idx.Close()

	st, err := idx.Stats(ctx)
	if err != nil {
		printStatus("Index", "unreadable: %v", err)
		return
	}
	printStatus("Index", "%s (%d documents, %d chunks, %s)", path, st.Documents, st.Chunks, humanBytes(st.SizeBytes))
	printStatus("Built", "%s with %s (dim %d, chunk %d/%d)",
		st.CreatedAt.Local().Format(time.DateTime), st.EmbedModel, st.Dimension, st.ChunkSize, st.ChunkOverlap)
	if st.EmbedModel != cfg.LLM.EmbedModel {
		printWarning("index was embedded with %s but llm.embed_model is %s; run `ragstarter index --rebuild`", st.EmbedModel, cfg.LLM.EmbedModel)
	}

	loader := document.NewLoader(cfg.Docs.Dir)
	loader.Logger = slog.New(slog.DiscardHandler)
	docs, err := loader.Load(ctx)
	switch {
	case err != nil:
		printStatus("Documents", "cannot compare: %v", err)
	case idx.Stale(docs):
		printWarning("documents in %s changed since the index was built; run `ragstarter index --rebuild`", cfg.Docs.Dir)
	default:
		printStatus("Documents", "up to date")
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "Show or update configuration",
		Annotations: map[string]string{skipConfig: "true"},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, k := range config.ShowAll(cfg) {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", labelColor.Sprint(k.Key), k.Value)
			}
			printStatus("File", "%s", config.FilePath())
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a configuration value in the config file.\n\nKeys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.SetKey(key, value); err != nil {
				return err
			}
			printSuccess("Set %s = %s", key, value)
			return nil
		},
	}

	unset := &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a configuration value so its default applies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.UnsetKey(args[0]); err != nil {
				return err
			}
			printSuccess("Unset %s", args[0])
			return nil
		},
	}

	for _, sub := range []*cobra.Command{show, set, unset} {
		sub.Annotations = map[string]string{skipConfig: "true"}
		cmd.AddCommand(sub)
	}
	return cmd
}

// --- version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ragstarter version %s\n", version)
		},
	}
}

// isInterrupted reports whether err comes from the user stopping the run.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
