package main

import (
	"github.com/fieldnotes-dev/setfarm/internal/claim"
	"github.com/fieldnotes-dev/setfarm/internal/config"
	"github.com/fieldnotes-dev/setfarm/internal/crongateway"
	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/loopengine"
	"github.com/fieldnotes-dev/setfarm/internal/medic"
	"github.com/fieldnotes-dev/setfarm/internal/specload"
	"github.com/fieldnotes-dev/setfarm/internal/stepengine"
	"github.com/fieldnotes-dev/setfarm/internal/store"
)

// app bundles every component one CLI invocation needs; each command
// builds one, uses it for its single bounded operation, and lets the
// process exit. There is no long-running server to keep this alive
// across invocations (spec §5).
type app struct {
	cfg     *config.Config
	store   *store.Store
	specs   *specload.Loader
	loops   *loopengine.Engine
	engine  *stepengine.Engine
	gateway crongateway.Gateway
	claim   *claim.Service
	medic   *medic.Medic
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}

	specs := specload.NewLoader(cfg.SpecDir)
	loops := loopengine.New(st)
	gw := crongateway.NewShellGateway(cronBinaryFlag)
	eng := stepengine.New(st, specs, loops, gw, cfg.DataDir)
	cl := claim.New(st, specs, eng)
	med := medic.New(st, specs, eng, gw)

	return &app{
		cfg:     cfg,
		store:   st,
		specs:   specs,
		loops:   loops,
		engine:  eng,
		gateway: gw,
		claim:   cl,
		medic:   med,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
