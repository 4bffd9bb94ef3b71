package main_test

import (
	"flag"
	"log"
	"os"
	"testing"

	"github.com/searchfly/segrep"
)

var tracing = flag.Bool("tracing", false, "enable trace logging")

func init() {
	log.SetFlags(0)
}

func TestMain(m *testing.M) {
	flag.Parse()
	if *tracing {
		segrep.TraceLog.SetOutput(os.Stdout)
	}
	os.Exit(m.Run())
}
