package logger

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"
)

func newBufferedLogger(prefix string, buf *bytes.Buffer) *Logger {
	l := NewLogger(prefix)
	l.base = newZap(zapcore.AddSync(buf))
	return l
}

func TestParseLevelRoundTrip(t *testing.T) {
	for l := DEBUG; l <= FATAL; l++ {
		for _, name := range []string{l.String(), strings.ToLower(l.String())} {
			got, err := ParseLevel(name)
			if err != nil || got != l {
				t.Errorf("ParseLevel(%q) = %v, %v; want %v", name, got, err, l)
			}
		}
	}
	if got := LogLevel(42).String(); got != "UNKNOWN" {
		t.Errorf("Expected UNKNOWN for an out of range level, got %s", got)
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestLevelFiltering(t *testing.T) {
	emit := func(l *Logger) {
		l.Debugf("debug msg")
		l.Infof("info msg")
		l.Warnf("warn msg")
		l.Errorf("error msg")
	}
	tests := []struct {
		level  LogLevel
		want   []string
		absent []string
	}{
		{DEBUG, []string{"debug msg", "info msg", "warn msg", "error msg"}, nil},
		{WARN, []string{"warn msg", "error msg"}, []string{"debug msg", "info msg"}},
		{ERROR, []string{"error msg"}, []string{"debug msg", "info msg", "warn msg"}},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			l := newBufferedLogger("", &buf)
			l.SetLevel(tt.level)
			if l.GetLevel() != tt.level {
				t.Fatalf("GetLevel() = %v; want %v", l.GetLevel(), tt.level)
			}
			emit(l)
			logs := buf.String()
			for _, msg := range tt.want {
				if !strings.Contains(logs, msg) {
					t.Errorf("Expected log to contain %q", msg)
				}
			}
			for _, msg := range tt.absent {
				if strings.Contains(logs, msg) {
					t.Errorf("Expected %q to be filtered at %v", msg, tt.level)
				}
			}
		})
	}
}

func TestOutputFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger("Replica@Engine", &buf)
	l.Warnf("lost source %s", "tcp://a:1")

	line := buf.String()
	for _, part := range []string{"WARN", "Replica@Engine", "lost source tcp://a:1"} {
		if !strings.Contains(line, part) {
			t.Errorf("Expected %q in %q", part, line)
		}
	}

	buf.Reset()
	l.SetPrefix("Replica@Gearbox")
	l.Infof("valid")
	if out := buf.String(); !strings.Contains(out, "Replica@Gearbox") || strings.Contains(out, "Replica@Engine") {
		t.Errorf("Expected only the new prefix, got: %s", out)
	}
}

func TestDefaultsApplyToNewLoggers(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetDefaultLevel(ERROR)
	defer func() {
		SetOutput(os.Stdout)
		SetDefaultLevel(INFO)
	}()

	l := NewLogger("redirected")
	if l.GetLevel() != ERROR {
		t.Errorf("Expected new logger at ERROR, got %v", l.GetLevel())
	}
	l.Infof("quiet")
	l.Errorf("loud")
	if out := buf.String(); strings.Contains(out, "quiet") || !strings.Contains(out, "loud") {
		t.Errorf("Unexpected output: %s", out)
	}

	buf.Reset()
	Zap().Named("etcd").Info("from zap")
	if !strings.Contains(buf.String(), "from zap") {
		t.Errorf("Expected Zap() to share the redirected output, got: %s", buf.String())
	}
}

func TestFatalf(t *testing.T) {
	if os.Getenv("TEST_FATAL") == "1" {
		NewLogger("test").Fatalf("fatal error occurred")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFatalf")
	cmd.Env = append(os.Environ(), "TEST_FATAL=1")
	var out bytes.Buffer
	cmd.Stderr = &out
	cmd.Stdout = &out

	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() != 1 {
		t.Errorf("Expected exit code 1, got %v", err)
	}
	if s := out.String(); !strings.Contains(s, "fatal error occurred") || !strings.Contains(s, "goroutine") {
		t.Errorf("Fatalf did not log expected output or stack trace:\n%s", s)
	}
}

func TestConcurrentPrefixChanges(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger("initial", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.SetPrefix(strings.Repeat("x", id%10+1))
				if got := l.GetPrefix(); len(got) == 0 || len(got) > 10 {
					t.Errorf("Invalid prefix length: %d", len(got))
				}
				l.Debugf("op %d", j)
			}
		}(i)
	}
	wg.Wait()
}
