package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-facetrain/config"
	"github.com/tsawler/go-facetrain/memory"
	"github.com/tsawler/go-facetrain/runner"
)

func main() {
	args := struct {
		Config  string   `arg:"positional" help:"path to the run configuration (JSON or YAML)"`
		EnvFile []string `arg:"--env" help:".env files to load before reading the configuration"`
		Verbose bool     `arg:"-v" help:"log at debug level"`
	}{
		Config: "cfg.json",
	}
	arg.MustParse(&args)

	if err := run(args.Config, args.EnvFile, args.Verbose); err != nil {
		fmt.Fprintf(os.Stderr, "train: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, envFiles []string, verbose bool) error {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}

	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, configPath)
	if err != nil {
		return err
	}

	zcfg := zap.NewDevelopmentConfig()
	if !verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	device, err := memory.Open(cfg.Device)
	if err != nil {
		return err
	}
	defer device.Close()

	r, err := runner.New(cfg, runner.Dependencies{
		Fs:     fs,
		Logger: logger,
		Device: device,
		Output: os.Stdout,
	})
	if err != nil {
		return err
	}

	result, err := r.Run()
	if err != nil {
		return err
	}

	for _, task := range result.Tasks {
		if task.Checkpoint == "" {
			fmt.Printf("%s: no improving epoch, nothing saved\n", task.Task)
			continue
		}
		fmt.Printf("%s: best F1 %.5f at epoch %d -> %s\n", task.Task, task.BestMetric, task.BestEpoch, task.Checkpoint)
	}
	fmt.Printf("experiment %d written to %s\n", result.ExpID, result.Dir)
	return nil
}
