package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/ChuLiYu/licensekit/internal/config"
	"github.com/ChuLiYu/licensekit/internal/core"
	"github.com/ChuLiYu/licensekit/internal/engine/memengine"
	"github.com/ChuLiYu/licensekit/internal/event"
	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/ChuLiYu/licensekit/internal/logging"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run cmd/demo/main.go <trial|recover> <entity-id>")
		os.Exit(1)
	}
	mode, entityID := os.Args[1], os.Args[2]

	cfg, err := config.Load("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	def, err := memengine.LoadStore(cfg.Engine.StorePath)
	if err != nil {
		log.Fatalf("Failed to load store: %v", err)
	}
	mem := memengine.New(def, memengine.WithLogger(logging.Discard()))
	kit := core.New(mem, core.WithLogger(logging.Discard()))

	for _, id := range []types.EventID{types.EventEntityAccessStarted, types.EventEntityAccessEnded, types.EventEntityAccessInvalid} {
		if err := kit.Events().OnEntity(id, func(e *license.Entity, ev event.Event) {
			fmt.Printf("  📣 %s\n", ev)
		}); err != nil {
			log.Fatalf("Failed to register listener: %v", err)
		}
	}

	ctx := context.Background()
	if err := kit.Init(ctx, cfg.Product.ID, cfg.Product.LicensePath, cfg.Product.Password); err != nil {
		log.Fatalf("Failed to init license core: %v", err)
	}
	defer kit.Close()

	state := memengine.NewStateManager(cfg.Engine.StatePath)
	if mode == "recover" {
		data, err := state.Load()
		if err != nil {
			log.Fatalf("Failed to load state: %v", err)
		}
		if data == nil {
			fmt.Println("⚠️  No saved state, run 'trial' first")
			return
		}
		if err := mem.Restore(*data); err != nil {
			log.Fatalf("Failed to restore state: %v", err)
		}
		fmt.Printf("✓ Restored usage from %s\n", state.Path())
	}

	e, err := kit.EntityByID(entityID)
	if err != nil {
		log.Fatalf("Failed to open entity: %v", err)
	}
	fmt.Printf("✓ %s (%s, %s)\n", e.Name(), e.License().Model(), e.License().Status())
	printRemaining(e)

	if mode == "trial" {
		for i := 1; i <= 3; i++ {
			fmt.Printf("\n⚡ Access #%d\n", i)
			err := e.Access(func() error { return nil })
			if err != nil {
				fmt.Printf("  ❌ %v\n", err)
				break
			}
			printRemaining(e)
		}
		data, err := mem.Snapshot()
		if err != nil {
			log.Fatalf("Failed to snapshot: %v", err)
		}
		if err := state.Write(data); err != nil {
			log.Fatalf("Failed to save state: %v", err)
		}
		fmt.Printf("\n💡 Usage saved, run 'recover %s' to see it survive a restart\n", entityID)
	}
}

func printRemaining(e *license.Entity) {
	insp, err := e.License().Inspector()
	if err != nil {
		fmt.Printf("  📊 no trial readout: %v\n", err)
		return
	}
	switch m := insp.(type) {
	case *license.AccessTime:
		left, _ := m.TimesLeft()
		used, _ := m.TimesUsed()
		fmt.Printf("  📊 used %d, left %d\n", used, left)
	case license.TimeLimited:
		left, _ := m.SecondsLeft()
		fmt.Printf("  📊 %ds left\n", left)
	default:
		fmt.Printf("  📊 %s has no trial counter\n", insp.Model())
	}
}
