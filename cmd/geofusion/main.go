package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/relabs-tech/geofusion/internal/app"
	"github.com/relabs-tech/geofusion/internal/config"
)

func main() {
	log.Println("starting geofusion (position + vision fusion → telemetry)")

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using config file and environment")
	}

	if err := config.InitGlobal("geofusion_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunFusion(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
