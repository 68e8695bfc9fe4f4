// Command learner runs one APPO-style policy learner process: it drains
// rollouts admitted by a rollout-worker population, assembles macro-
// batches, runs the PPO/V-trace training engine, and publishes weight
// snapshots, checkpoints, metrics, and a live report stream.
//
// Flag/shutdown/model-loading idiom grounded on the teacher's main.go
// (package flag, essentials.Die on bad flags, serializer.LoadAny-or-create,
// rip.NewRIP().Chan() for Ctrl+C).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rip"
	"github.com/unixpickle/serializer"

	"github.com/unixpickle/asynclearner/internal/batch"
	"github.com/unixpickle/asynclearner/internal/broadcast"
	"github.com/unixpickle/asynclearner/internal/checkpoint"
	"github.com/unixpickle/asynclearner/internal/config"
	"github.com/unixpickle/asynclearner/internal/coordinator"
	"github.com/unixpickle/asynclearner/internal/intake"
	"github.com/unixpickle/asynclearner/internal/metrics"
	"github.com/unixpickle/asynclearner/internal/model"
	"github.com/unixpickle/asynclearner/internal/pbt"
	"github.com/unixpickle/asynclearner/internal/report"
	"github.com/unixpickle/asynclearner/internal/slot"
	"github.com/unixpickle/asynclearner/internal/task"
	"github.com/unixpickle/asynclearner/internal/trainer"
)

// Flags contains the command-line options.
type Flags struct {
	ExpDir    string
	PolicyID  int
	ConfigFile string
	Addr      string

	ObsWidth  int
	ObsHeight int
	ObsDepth  int
	NumActions int
	CoreSize  int
}

func main() {
	creator := anyvec32.CurrentCreator()

	var flags Flags
	flag.StringVar(&flags.ExpDir, "exp-dir", "", "experiment directory (config.yaml, checkpoints_<policy-id>/, model file)")
	flag.IntVar(&flags.PolicyID, "policy-id", 0, "policy id, for PBT and metric labels")
	flag.StringVar(&flags.ConfigFile, "config", "", "learner config YAML (defaults to <exp-dir>/config.yaml)")
	flag.StringVar(&flags.Addr, "addr", ":8080", "metrics + report websocket listen address")
	flag.IntVar(&flags.ObsWidth, "obs-width", 64, "observation width")
	flag.IntVar(&flags.ObsHeight, "obs-height", 64, "observation height")
	flag.IntVar(&flags.ObsDepth, "obs-depth", 3, "observation depth (channels x frame stack)")
	flag.IntVar(&flags.NumActions, "actions", 4, "discrete action count")
	flag.IntVar(&flags.CoreSize, "core-size", 256, "recurrent core hidden size")
	flag.Parse()

	if flags.ExpDir == "" {
		essentials.Die("Missing -exp-dir flag. See -help for more.")
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	log = log.WithField("policy_id", flags.PolicyID)

	configPath := flags.ConfigFile
	if configPath == "" {
		configPath = filepath.Join(flags.ExpDir, "config.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			essentials.Die("load config:", err)
		}
		log.WithError(err).Warn("no config file found, using defaults")
		cfg = config.Defaults()
	}
	hotCfg := config.NewHot(cfg)

	modelPath := filepath.Join(flags.ExpDir, fmt.Sprintf("policy_%d.bin", flags.PolicyID))
	ac, err := loadOrMakeModel(creator, flags, modelPath)
	if err != nil {
		essentials.Die("load or make model:", err)
	} else {
		log.Info("model ready")
	}

	ckptDir := filepath.Join(flags.ExpDir, fmt.Sprintf("checkpoints_%d", flags.PolicyID))
	ckpt, err := checkpoint.New(ckptDir, cfg.KeepCheckpoints)
	if err != nil {
		essentials.Die("create checkpoint manager:", err)
	}

	tr := trainer.New(ac, creator, hotCfg, log)
	registry := slot.New()
	in := intake.New(registry, log)
	assembler := &batch.Assembler{
		Gamma:              cfg.Gamma,
		GAELambda:          cfg.GAELambda,
		NormalizeAdvantage: cfg.NormalizeAdvantage,
	}
	bc := broadcast.New()
	policyDir := func(id int) string {
		return filepath.Join(flags.ExpDir, fmt.Sprintf("checkpoints_%d", id))
	}
	pbtHandler := pbt.New(hotCfg, ckpt, policyDir)
	metricsReg := metrics.New(flags.PolicyID)
	reportHub := report.NewHub(log)

	tasks := make(chan task.Message, 256)
	reports := make(chan task.Report, 256)

	coord := coordinator.New(tasks, reports, registry, in, assembler, tr, bc, ckpt, pbtHandler, metricsReg, reportHub, hotCfg, flags.PolicyID, log)

	mux := reportHub.Router()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg.Registerer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: flags.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("report/metrics server exited")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	log.Info("learner running, press Ctrl+C to stop")
	select {
	case <-rip.NewRIP().Chan():
		log.Info("shutdown requested")
	case err := <-done:
		if err != nil {
			log.WithError(err).Warn("coordinator exited")
		}
	}

	cancel()
	if err := srv.Shutdown(context.Background()); err != nil {
		log.WithError(err).Warn("report/metrics server shutdown failed")
	}

	if err := ckpt.Save(tr.TrainStep, tr.EnvSteps, ac); err != nil {
		log.WithError(err).Warn("final checkpoint save failed")
	}
	if err := serializer.SaveAny(modelPath, ac); err != nil {
		log.WithError(err).Warn("final model save failed")
	}
}

// loadOrMakeModel mirrors the teacher's serializer.LoadAny-or-create idiom
// (main.go): try to load an existing checkpointed model, and build a fresh
// one from flags on any failure (missing file, first run).
func loadOrMakeModel(c anyvec.Creator, flags Flags, path string) (*model.ActorCritic, error) {
	var loaded serializer.Serializer
	if err := serializer.LoadAny(path, &loaded); err == nil {
		if ac, ok := loaded.(*model.ActorCritic); ok {
			return ac, nil
		}
	}

	head, err := model.NewConvHead(c, flags.ObsWidth, flags.ObsHeight, flags.ObsDepth)
	if err != nil {
		return nil, err
	}
	core := model.NewGRUCore(c, 256, flags.CoreSize)
	tail := model.NewFCTail(c, flags.CoreSize, flags.NumActions, model.Categorical{NumActions: flags.NumActions})

	return &model.ActorCritic{Head: head, Core: core, Tail: tail}, nil
}
