package main

import (
	"flag"
	"log"
	"os"

	"github.com/ahsinil/meal-pass/internal/tools/appkey"
)

func main() {
	log.SetFlags(0)
	cfg, err := appkey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	if err := appkey.Run(cfg, os.Stdout, nil); err != nil {
		log.Fatalf("generate key: %v", err)
	}
}
