package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chenyanchen/runbox"
)

var (
	// Global flags
	configPath string
	verbose    bool
	// Graph flags
	graphFormat string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Inspect isolated runtime instances described by a config file",
	Long: `runbox creates the instances declared in a YAML config against a shared
ambient environment and reports how module names are classified and loaded.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify NAME...",
	Short: "Print the isolation of each module name for every configured instance",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Create the configured instances, preload them and print their module graphs",
	Args:  cobra.NoArgs,
	RunE:  runGraph,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "runbox.yaml", "Path to the YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging and the loader decision trace")

	graphCmd.Flags().StringVar(&graphFormat, "format", "text", "Output format: text, dot or mermaid")

	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(graphCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := runbox.LoadConfig(configPath)
	if err != nil {
		return err
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = runbox.DefaultIsolationRules
	}

	out := cmd.OutOrStdout()
	for _, ic := range cfg.Instances {
		classifier, err := runbox.NewClassifier(rules, ic.Isolate)
		if err != nil {
			return fmt.Errorf("instance %s: %w", ic.Name, err)
		}
		for _, name := range args {
			fmt.Fprintf(out, "%s\t%s\t%s\n", ic.Name, name, classifier.Classify(name))
		}
	}
	return nil
}

func runGraph(cmd *cobra.Command, args []string) error {
	render, err := graphRenderer(graphFormat)
	if err != nil {
		return err
	}
	cfg, err := runbox.LoadConfig(configPath)
	if err != nil {
		return err
	}
	opts, err := cfg.ManagerOptions()
	if err != nil {
		return err
	}
	opts = append(opts, runbox.WithLogger(logger))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	manager := runbox.NewManager(opts...)
	ambient := runbox.NewAmbient(runbox.Dirs(cfg.Ambient), runbox.WithAmbientLogger(logger))
	defer func() {
		for _, inst := range manager.Instances() {
			if err := manager.Destroy(ctx, inst); err != nil {
				logger.Warn("destroy instance failed", zap.String("instance", inst.ID()), zap.Error(err))
			}
		}
	}()

	out := cmd.OutOrStdout()
	for _, ic := range cfg.Instances {
		inst, err := manager.Create(runbox.Dirs(ic.SearchPath), ambient, ic.Isolate, ic.Debug || verbose)
		if err != nil {
			return fmt.Errorf("create instance %s: %w", ic.Name, err)
		}
		for _, name := range ic.Preload {
			u, err := inst.Load(ctx, name)
			if err != nil {
				return fmt.Errorf("preload %s in %s: %w", name, ic.Name, err)
			}
			if err := u.Initialize(ctx); err != nil {
				return fmt.Errorf("preload %s in %s: %w", name, ic.Name, err)
			}
		}
		logger.Info("instance ready", zap.String("name", ic.Name), zap.String("instance", inst.ID()), zap.Int("modules", len(inst.Modules())))
		if err := render(out, ic.Name, inst.Graph()); err != nil {
			return err
		}
	}
	return nil
}

func graphRenderer(format string) (func(w io.Writer, name string, g runbox.Graph) error, error) {
	var export func(runbox.Graph) string
	switch format {
	case "text":
		export = runbox.Graph.Text
	case "dot":
		export = runbox.Graph.DOT
	case "mermaid":
		export = runbox.Graph.Mermaid
	default:
		return nil, fmt.Errorf("unknown graph format %q: want text, dot or mermaid", format)
	}
	return func(w io.Writer, name string, g runbox.Graph) error {
		_, err := fmt.Fprintf(w, "# %s\n%s", name, export(g))
		return err
	}, nil
}
