package logger

import (
	"bytes"
	"log/slog"
	"os"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textInfoString    = `^time="[0-9/:. ]{26}" severity=INFO message="infoExample"`
	textWarningString = `^time="[0-9/:. ]{26}" severity=WARNING message="warnExample"`
	textErrorString   = `^time="[0-9/:. ]{26}" severity=ERROR message="errExample"`

	jsonInfoString = `^{"timestamp":{"seconds":\d{10},"nanos":\d{0,9}},"severity":"INFO","message":"infoExample"}`
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirectLogsToGivenBuffer(buf *bytes.Buffer, format string, level string) {
	f := &loggerFactory{format: format, level: level}
	lv := programLevelVar(level)
	defaultLogger = slog.New(f.createJsonOrTextHandler(buf, lv, ""))
}

func (t *LoggerTest) TestTextSeverityFiltering() {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, "text", Warning)

	Infof("infoExample")
	assert.Empty(t.T(), buf.String())

	Warnf("warnExample")
	assert.Regexp(t.T(), regexp.MustCompile(textWarningString), buf.String())
	buf.Reset()

	Errorf("errExample")
	assert.Regexp(t.T(), regexp.MustCompile(textErrorString), buf.String())
}

func (t *LoggerTest) TestTextInfoPassesAtInfoLevel() {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, "text", Info)

	Infof("infoExample")
	assert.Regexp(t.T(), regexp.MustCompile(textInfoString), buf.String())
}

func (t *LoggerTest) TestJSONFormat() {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, "json", Info)

	Infof("infoExample")
	assert.Regexp(t.T(), regexp.MustCompile(jsonInfoString), buf.String())
}

func (t *LoggerTest) TestOffSuppressesEverything() {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, "text", Off)

	Errorf("errExample")
	assert.Empty(t.T(), buf.String())
}

func (t *LoggerTest) TestSetLoggingLevelDefaultsToInfo() {
	lv := new(slog.LevelVar)
	setLoggingLevel("not-a-real-level", lv)
	assert.Equal(t.T(), LevelInfo, lv.Level())
}

func (t *LoggerTest) TestInitWritesToFile() {
	dir := t.T().TempDir()
	cfg := DefaultConfig()
	cfg.FilePath = dir + "/sqlitefs.log"

	err := Init(cfg)

	assert.NoError(t.T(), err)
	Infof("hello from init test")

	// Re-initializing flushes and closes the file-backed writer.
	assert.NoError(t.T(), Init(DefaultConfig()))
	content, err := os.ReadFile(cfg.FilePath)
	assert.NoError(t.T(), err)
	assert.Contains(t.T(), string(content), "hello from init test")
}
