package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"netatlas/internal/adapter"
	"netatlas/internal/domain"
)

type scanFlags struct {
	targets  []string
	duration time.Duration
	nmap     bool
	snmp     bool
	save     bool
	settle   int
}

func newScanCommand(g *globals) *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one discovery pass and print what was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return scan(cmd.Context(), g, f, cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVarP(&f.targets, "target", "t", nil, "CIDR range or address to probe (repeatable)")
	fl.DurationVarP(&f.duration, "duration", "d", 2*time.Minute, "upper bound for the whole pass")
	fl.BoolVar(&f.nmap, "nmap", false, "also run the nmap scanner")
	fl.BoolVar(&f.snmp, "snmp", false, "also query SNMP agents")
	fl.BoolVar(&f.save, "save", false, "store the result as a snapshot")
	fl.IntVar(&f.settle, "settle", 300, "layout iterations to run before saving")
	return cmd
}

func scan(ctx context.Context, g *globals, f *scanFlags, w io.Writer) error {
	cfg, log := g.cfg, g.log
	if len(f.targets) > 0 {
		cfg.Discovery.Targets = f.targets
	}
	detectEnvironment(cfg, log)
	if len(cfg.Discovery.Targets) == 0 {
		return fmt.Errorf("no targets: pass --target or enable discovery.auto_detect")
	}

	a, err := newApp(cfg, log, f.save)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(ctx, f.duration)
	defer cancel()

	// the merge is fed synchronously so nothing is left queued when the
	// pass ends
	out := make(chan domain.DiscoveryEvent, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range out {
			if err := a.svc.Apply(ev); err != nil {
				log.Debug("event rejected", "target", ev.Target, "err", err)
			}
		}
	}()

	registry := adapter.NewRegistry(out, log)
	ps, err := probes(cfg, cfg.Discovery.Targets, log)
	if err != nil {
		close(out)
		wg.Wait()
		return err
	}
	for _, p := range ps {
		p.cfg.Enabled = oneShotEnabled(p.src.Name(), f)
		if !p.cfg.Enabled {
			continue
		}
		if err := p.src.Start(ctx); err != nil {
			log.Warn("source unavailable", "source", p.src.Name(), "err", err)
			continue
		}
		if err := registry.Register(p.src, p.cfg); err != nil {
			log.Warn("register source", "source", p.src.Name(), "err", err)
		}
	}

	start := time.Now()
	syncErr := registry.TriggerSyncAll(ctx)
	close(out)
	wg.Wait()
	if err := registry.Stop(); err != nil {
		log.Debug("source shutdown", "err", err)
	}
	if syncErr != nil {
		log.Warn("discovery pass incomplete", "err", syncErr)
	}

	if f.save {
		a.svc.StepLayout(f.settle)
		saveCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelSave()
		info, err := a.svc.Save(saveCtx)
		if err != nil {
			return err
		}
		log.Info("saved snapshot", "id", info.ID)
	}

	fmt.Fprintf(w, "scanned %v in %s\n\n", cfg.Discovery.Targets, time.Since(start).Round(time.Millisecond))
	fmt.Fprintln(w, renderStats(a.svc.Stats(), nil, time.Now()))
	return nil
}

// oneShotEnabled picks the sources a scan runs. The listener has nothing to
// hear in a one-shot pass, so mdns runs its active browse instead.
func oneShotEnabled(name string, f *scanFlags) bool {
	switch name {
	case "sweep", "mdns":
		return true
	case "nmap":
		return f.nmap
	case "snmp":
		return f.snmp
	}
	return false
}
