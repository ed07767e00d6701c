package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'models', 'pull', 'transcribe' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "models":
		err = runModels(os.Args[2:])
	case "pull":
		err = runPull(ctx, os.Args[2:])
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	cfg         config.Config
	catalog     *models.Catalog
	provisioner *models.Provisioner
	logger      *slog.Logger
}

func load(configPath string, verbose bool) (*env, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	catalog := models.Default()
	if path := cfg.Models.CatalogFile; path != "" {
		var err error
		if catalog, err = catalog.WithFile(path); err != nil {
			return nil, err
		}
	}
	return &env{
		cfg:         cfg,
		catalog:     catalog,
		provisioner: models.NewProvisioner(cfg.Models, logger),
		logger:      logger,
	}, nil
}

func runModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	quantized := fs.Bool("quantized", false, "Report the quantized artifact")
	fs.Parse(args)

	e, err := load(*configPath, false)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tMULTILINGUAL\tSIZE\tLOCAL")
	for _, desc := range e.catalog.List() {
		_, present := e.provisioner.Present(desc, *quantized)
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%v\n", desc.ID, desc.Label, desc.Capabilities.Multilingual,
			humanSize(desc.SizeBytes), present)
	}
	return tw.Flush()
}

func runPull(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	quantized := fs.Bool("quantized", false, "Download the quantized artifact")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: scribe pull [-quantized] <model-id>")
	}

	e, err := load(*configPath, false)
	if err != nil {
		return err
	}
	desc, ok := e.catalog.Lookup(fs.Arg(0))
	if !ok {
		return fmt.Errorf("unknown model %q", fs.Arg(0))
	}

	store := state.NewStore(state.State{})
	unsubscribe := store.Subscribe(func(st state.State) {
		for _, item := range st.ProgressItems {
			fmt.Fprintf(os.Stderr, "\r%s %5.1f%% (%s / %s)", item.Key, item.Progress, humanSize(item.Loaded), humanSize(item.Total))
		}
	})
	defer unsubscribe()

	path, err := e.provisioner.Provision(ctx, desc, *quantized, store)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runTranscribe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	model := fs.String("model", "", "Model id (defaults to the configured model)")
	language := fs.String("language", "", "Spoken language")
	subtask := fs.String("subtask", "", "transcribe or translate")
	recognizer := fs.String("recognizer", "", "whisper, exec or mock (defaults to the configured recognizer)")
	verbose := fs.Bool("v", false, "Verbose logging")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: scribe transcribe [flags] <file.wav>")
	}

	e, err := load(*configPath, *verbose)
	if err != nil {
		return err
	}
	samples, err := readWAV(fs.Arg(0))
	if err != nil {
		return err
	}

	kind := e.cfg.Engine.Recognizer
	if *recognizer != "" {
		kind = *recognizer
	}
	factory, err := engine.FactoryFor(kind, e.cfg.Engine.Command, e.cfg.Engine.Threads)
	if err != nil {
		return err
	}
	initial := runtime.Configuration(e.cfg.Transcription)
	if *model != "" {
		initial.ModelID = *model
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Config:      initial,
		Catalog:     e.catalog,
		Provisioner: e.provisioner,
		Backend:     engine.NewNativeBackend(kind, factory, e.logger),
		Logger:      e.logger,
		InitTimeout: time.Duration(e.cfg.Engine.InitTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Close(closeCtx)
	}()

	unsubscribe := orch.Subscribe(func(st state.State) {
		for _, item := range st.ProgressItems {
			fmt.Fprintf(os.Stderr, "\r%-24s %5.1f%%", item.Label, item.Progress)
		}
	})
	defer unsubscribe()

	if err := orch.Initialize(ctx); err != nil {
		return err
	}
	ticket, err := orch.Transcribe(ctx, engine.Audio{Key: fs.Arg(0), Samples: samples}, engine.Options{
		Language: *language,
		Subtask:  *subtask,
	})
	if err != nil {
		return err
	}
	result, err := ticket.Future.Wait(ctx)
	fmt.Fprintln(os.Stderr)
	if errors.Is(err, context.Canceled) {
		ticket.Cancel()
		return err
	}
	if err != nil {
		return err
	}
	for _, c := range result.Chunks {
		end := "…"
		if c.EndMS != nil {
			end = formatMS(*c.EndMS)
		}
		fmt.Printf("[%s -> %s]%s\n", formatMS(c.StartMS), end, c.Text)
	}
	if len(result.Chunks) == 0 {
		fmt.Println(result.Text)
	}
	return nil
}

func readWAV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return audio.DecodeWAV(f)
}

func formatMS(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%02d:%02d.%03d", int(d.Minutes()), int(d.Seconds())%60, ms%1000)
}

func humanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
