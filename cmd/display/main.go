package main

import (
	"log"

	"github.com/relabs-tech/geofusion/internal/app"
	"github.com/relabs-tech/geofusion/internal/config"
)

func main() {
	log.Println("starting geofusion status display (SSD1306)")

	if err := config.InitGlobal("geofusion_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunDisplay(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
