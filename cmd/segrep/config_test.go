package main_test

import (
	"strings"
	"testing"
	"time"

	main "github.com/searchfly/segrep/cmd/segrep"
)

func TestUnmarshalConfig(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		config := main.NewConfig()
		data := `
data:
  dir: /var/lib/segrep
  event-log-path: /var/lib/segrep/events.db
http:
  addr: ":3000"
proxy:
  addr: ":3001"
  target: "localhost:9200"
  index: "products"
  passthrough: ["/_cat/*"]
lease:
  type: consul
  hostname: node1
  consul:
    url: http://localhost:8500
    key: my-cluster
    ttl: 15s
replication:
  chunk-size: 65536
  max-bytes-per-sec: 10000000
`
		if err := main.UnmarshalConfig(&config, []byte(data), false); err != nil {
			t.Fatal(err)
		}

		if got, want := config.Data.Dir, "/var/lib/segrep"; got != want {
			t.Fatalf("Data.Dir=%q, want %q", got, want)
		}
		if got, want := config.HTTP.Addr, ":3000"; got != want {
			t.Fatalf("HTTP.Addr=%q, want %q", got, want)
		}
		if got, want := config.Proxy.Index, "products"; got != want {
			t.Fatalf("Proxy.Index=%q, want %q", got, want)
		}
		if got, want := config.Lease.Consul.TTL, 15*time.Second; got != want {
			t.Fatalf("Lease.Consul.TTL=%v, want %v", got, want)
		}
		if got, want := config.Replication.ChunkSize, 65536; got != want {
			t.Fatalf("Replication.ChunkSize=%d, want %d", got, want)
		}
		if got, want := config.Replication.MaxBytesPerSec, int64(10000000); got != want {
			t.Fatalf("Replication.MaxBytesPerSec=%d, want %d", got, want)
		}

		// Unset sections keep their defaults.
		if got, want := config.Lease.Candidate, true; got != want {
			t.Fatalf("Lease.Candidate=%v, want %v", got, want)
		}
	})

	t.Run("UnknownField", func(t *testing.T) {
		config := main.NewConfig()
		err := main.UnmarshalConfig(&config, []byte("no-such-field: true\n"), false)
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ExpandEnv", func(t *testing.T) {
		t.Setenv("SEGREP_TEST_DIR", "/data/segrep")

		config := main.NewConfig()
		if err := main.UnmarshalConfig(&config, []byte("data:\n  dir: ${SEGREP_TEST_DIR}\n"), true); err != nil {
			t.Fatal(err)
		}
		if got, want := config.Data.Dir, "/data/segrep"; got != want {
			t.Fatalf("Data.Dir=%q, want %q", got, want)
		}
	})

	t.Run("NoExpandEnv", func(t *testing.T) {
		t.Setenv("SEGREP_TEST_DIR", "/data/segrep")

		config := main.NewConfig()
		if err := main.UnmarshalConfig(&config, []byte("data:\n  dir: ${SEGREP_TEST_DIR}\n"), false); err != nil {
			t.Fatal(err)
		}
		if got, want := config.Data.Dir, "${SEGREP_TEST_DIR}"; got != want {
			t.Fatalf("Data.Dir=%q, want %q", got, want)
		}
	})
}

func TestExpandEnv(t *testing.T) {
	t.Run("Var", func(t *testing.T) {
		t.Setenv("SEGREP_TEST_HOST", "node1")
		if got, want := main.ExpandEnv("http://${SEGREP_TEST_HOST}:20202"), "http://node1:20202"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := main.ExpandEnv("$SEGREP_TEST_HOST"), "node1"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("EqualsSingleQuote", func(t *testing.T) {
		t.Setenv("SEGREP_TEST_REGION", "sjc")
		if got, want := main.ExpandEnv("${SEGREP_TEST_REGION == 'sjc'}"), "true"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := main.ExpandEnv("${SEGREP_TEST_REGION == 'lhr'}"), "false"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("NotEqualsDoubleQuote", func(t *testing.T) {
		t.Setenv("SEGREP_TEST_REGION", "sjc")
		if got, want := main.ExpandEnv(`${SEGREP_TEST_REGION != "lhr"}`), "true"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := main.ExpandEnv(`${SEGREP_TEST_REGION != "sjc"}`), "false"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("VarExpr", func(t *testing.T) {
		t.Setenv("SEGREP_TEST_REGION", "sjc")
		t.Setenv("SEGREP_TEST_PRIMARY_REGION", "sjc")
		if got, want := main.ExpandEnv("${SEGREP_TEST_REGION == SEGREP_TEST_PRIMARY_REGION}"), "true"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		t.Setenv("SEGREP_TEST_PRIMARY_REGION", "lhr")
		if got, want := main.ExpandEnv("${SEGREP_TEST_REGION == SEGREP_TEST_PRIMARY_REGION}"), "false"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}
