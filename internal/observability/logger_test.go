package observability

import (
	"bytes"
	"testing"

	"github.com/danmuck/kbcast/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestInitLoggerTagsNode(t *testing.T) {
	testlog.Start(t)

	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	InitLogger("kbcast", "agent3")
	log.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"app":"kbcast"`, `"node":"agent3"`, `"message":"hello"`} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}
