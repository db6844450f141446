package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/sortctl/internal/admin"
	"github.com/danmuck/sortctl/internal/cages"
	"github.com/danmuck/sortctl/internal/config"
	"github.com/danmuck/sortctl/internal/journal"
	logs "github.com/danmuck/sortctl/internal/logging"
	"github.com/danmuck/sortctl/internal/notify"
	"github.com/danmuck/sortctl/internal/protocol/session"
	"github.com/danmuck/sortctl/internal/sorter"
	"github.com/danmuck/sortctl/internal/transport"
)

// service owns every long-lived component of one sorter process.
type service struct {
	cfg       config.Config
	alloc     *cages.Allocator
	engine    *session.Engine
	devices   *admin.DeviceSelector
	ctrl      *sorter.Controller
	journal   *journal.Store
	publisher *notify.Publisher
}

func newService(cfg config.Config) (*service, error) {
	alloc, err := cages.NewAllocator(cfg.CageConfigs())
	if err != nil {
		return nil, err
	}
	alloc.Subscribe(sorter.CageGauges())

	s := &service{cfg: cfg, alloc: alloc}
	var observers []sorter.Observer

	if path := strings.TrimSpace(cfg.JournalPath); path != "" {
		store, err := journal.Open(path)
		if err != nil {
			return nil, err
		}
		s.journal = store
		if cfg.RestoreCounts {
			if err := s.restore(); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
	}

	if strings.TrimSpace(cfg.MQTT.Broker) != "" {
		pub, err := notify.Dial(cfg.Notify())
		if err != nil {
			logs.Warnf("sortctl.newService mqtt disabled broker=%q err=%v", cfg.MQTT.Broker, err)
		} else {
			s.publisher = pub
			alloc.Subscribe(pub)
			observers = append(observers, pub)
		}
	}

	s.devices = admin.NewDeviceSelector()
	sessCfg := cfg.Session()
	s.engine = session.NewEngine(transport.NewSerial(cfg.Transport()), sessCfg)
	logs.Infof("sortctl.newService link port=%q retries=%d retry_delay=%s worst_case_send=%s",
		sessCfg.Endpoint, sessCfg.Retries, sessCfg.Backoff.InitialDelay, sessCfg.WorstCase(cfg.Serial.SettleDelay))
	s.engine.SetSelector(s.devices)

	classifier, err := sorter.NewClassifier(cfg.Classifier.Kind, cfg.Classifier.Interval)
	if err != nil {
		s.close()
		return nil, err
	}
	opts := sorter.Options{Classifier: classifier, Observers: observers}
	if s.journal != nil {
		opts.Journal = s.journal
	}
	ctrl, err := sorter.NewController(alloc, s.engine, opts)
	if err != nil {
		s.close()
		return nil, err
	}
	s.ctrl = ctrl

	for _, st := range alloc.Snapshot() {
		logs.Infof("sortctl.newService cage=%d name=%q capacity=%d males=%d/%d females=%d/%d action=%q",
			st.Index, st.Name, st.Capacity, st.NumberMales, st.RequiredMales, st.NumberFemales, st.RequiredFemales, st.FireAction)
	}
	return s, nil
}

func (s *service) restore() error {
	counts, err := s.journal.LatestCounts(context.Background())
	if err != nil {
		return err
	}
	var known []cages.Counts
	for _, c := range counts {
		if c.Index > s.alloc.Len() {
			logs.Warnf("sortctl.restore skipping journaled cage=%d beyond configured=%d", c.Index, s.alloc.Len())
			continue
		}
		known = append(known, c)
	}
	if err := s.alloc.Restore(known); err != nil {
		return fmt.Errorf("restore counts: %w", err)
	}
	logs.Infof("sortctl.restore cages=%d", len(known))
	return nil
}

// run serves the admin API until ctx ends, then stops sorting and releases
// the serial line.
func (s *service) run(ctx context.Context, autostart bool) error {
	defer s.close()

	srvOpts := admin.Options{
		ID:          s.cfg.ID,
		Addr:        s.cfg.AdminAddr,
		CORSOrigins: s.cfg.CORSOrigins,
		Allocator:   s.alloc,
		Controller:  s.ctrl,
		Link:        s.engine,
		Devices:     s.devices,
		Context:     ctx,
	}
	if s.journal != nil {
		srvOpts.Journal = s.journal
	}
	srv := admin.New(srvOpts)

	if autostart {
		if err := s.ctrl.Start(ctx); err != nil {
			return err
		}
	}

	serving := strings.TrimSpace(s.cfg.AdminAddr) != ""
	serveErr := make(chan error, 1)
	if serving {
		go func() {
			serveErr <- srv.Serve(ctx)
		}()
	} else {
		logs.Warnf("sortctl.run admin api disabled")
	}

	var err error
	select {
	case <-ctx.Done():
		if serving {
			err = <-serveErr
		}
	case err = <-serveErr:
	}

	logs.Infof("sortctl.run shutting down")
	s.devices.Cancel()
	if stopErr := s.ctrl.Stop(); stopErr != nil && !errors.Is(stopErr, sorter.ErrNotRunning) {
		logs.Warnf("sortctl.run stop err=%v", stopErr)
	}
	s.ctrl.Wait()
	return err
}

func (s *service) close() {
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			logs.Warnf("sortctl.close engine err=%v", err)
		}
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			logs.Warnf("sortctl.close journal err=%v", err)
		}
	}
}
