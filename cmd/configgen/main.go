package main

import (
	"flag"
	"log"

	"github.com/danmuck/sortctl/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "bench":
		return "cmd/sortctl/bench.toml"
	case "sortctl", "":
		return "cmd/sortctl/sortctl.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := flag.String("kind", "sortctl", "config kind: sortctl|bench")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s (%d cages)", *kind, path, len(cfg.Cages))
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
