package softphone

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryNewestFirst(t *testing.T) {
	h := NewHistory()

	h.Append(HistoryEntry{RemoteParty: "first", Timestamp: time.Now()})
	h.Append(HistoryEntry{RemoteParty: "second", Timestamp: time.Now()})

	entries := h.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].RemoteParty)
	assert.Equal(t, "first", entries[1].RemoteParty)
}

func TestHistoryCapped(t *testing.T) {
	h := NewHistory()
	for i := 0; i < historyCapacity+5; i++ {
		h.Append(HistoryEntry{RemoteParty: strconv.Itoa(i)})
	}

	entries := h.Entries()
	require.Len(t, entries, historyCapacity)
	// Самые старые записи вытеснены
	assert.Equal(t, strconv.Itoa(historyCapacity+4), entries[0].RemoteParty)
	assert.Equal(t, "5", entries[len(entries)-1].RemoteParty)
}

func TestHistoryEntriesIsCopy(t *testing.T) {
	h := NewHistory()
	h.Append(HistoryEntry{RemoteParty: "a"})

	entries := h.Entries()
	entries[0].RemoteParty = "изменено"

	assert.Equal(t, "a", h.Entries()[0].RemoteParty)
	assert.Equal(t, 1, h.Len())
}
