package main

import (
	"log"
	"os"

	"github.com/cve-monitor/cve-monitor/pkg"
)

var (
	version = "0.0.1"
)

func main() {
	app := pkg.NewApp(version)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}
