package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/unkn0wn-root/buildcache"
)

func TestSlogLoggerSortsAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelDebug})
	l := Logger{L: stdslog.New(h)}

	l.Info("cache reset", buildcache.Fields{"programs": 2, "kernels": 5})

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, `msg="cache reset"`)
	assert.Less(t, strings.Index(out, "kernels=5"), strings.Index(out, "programs=2"))
}
