package validate

import (
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"depot-notify/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestValidator() *Validator {
	return New([]string{"approved", "depot_manager"}, "record_hash", 64, []string{"id", "created_at"}, testLogger())
}

func validEvent(table string) *models.ChangeEvent {
	return &models.ChangeEvent{
		Table: table,
		Kind:  models.KindInsert,
		Row: map[string]interface{}{
			"id":          int64(42),
			"created_at":  "2024-05-01T10:00:00Z",
			"record_hash": strings.Repeat("a", 64),
			"brv_number":  "BRV-1001",
		},
		Source: models.SourceLive,
	}
}

func TestValidateAcceptsWellFormedInsert(t *testing.T) {
	v := newTestValidator()
	res := v.Validate(validEvent("approved"))
	assert.True(t, res.OK)
	assert.Empty(t, res.Reason)
	assert.Equal(t, strings.Repeat("a", 64), v.Hash(validEvent("approved")))
}

func TestValidateRejectsUnknownTable(t *testing.T) {
	v := newTestValidator()
	res := v.Validate(validEvent("loaded"))
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "not monitored")
}

func TestValidateRejectsNonInsert(t *testing.T) {
	v := newTestValidator()
	ev := validEvent("approved")
	ev.Kind = models.KindUpdate
	res := v.Validate(ev)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "not actionable")
}

func TestValidateRejectsEmptyPayload(t *testing.T) {
	v := newTestValidator()
	ev := validEvent("approved")
	ev.Row = nil
	res := v.Validate(ev)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "empty")
}

func TestValidateRejectsMissingHash(t *testing.T) {
	v := newTestValidator()
	ev := validEvent("approved")
	delete(ev.Row, "record_hash")
	res := v.Validate(ev)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "missing")
}

func TestValidateRejectsNonStringHash(t *testing.T) {
	v := newTestValidator()
	ev := validEvent("approved")
	ev.Row["record_hash"] = 12345
	res := v.Validate(ev)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "not a string")
}

func TestValidateRejectsWrongLengthHash(t *testing.T) {
	v := newTestValidator()
	ev := validEvent("approved")
	ev.Row["record_hash"] = "deadbeef"
	res := v.Validate(ev)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "length")
}

func TestValidateRejectsPayloadWithoutStandardColumns(t *testing.T) {
	v := newTestValidator()
	ev := validEvent("approved")
	delete(ev.Row, "id")
	delete(ev.Row, "created_at")
	res := v.Validate(ev)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "standard columns")
}

func TestValidateCountsRejectionsPerTable(t *testing.T) {
	v := newTestValidator()
	ev := validEvent("approved")
	ev.Kind = models.KindDelete
	v.Validate(ev)
	v.Validate(ev)
	assert.Equal(t, 2, v.Rejections("approved"))
	assert.Equal(t, 0, v.Rejections("depot_manager"))
}
