package events

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T, hub *Hub, cfg JournalConfig) *Journal {
	t.Helper()
	j, err := OpenJournal(":memory:", hub, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalWriteAndQuery(t *testing.T) {
	j := openTestJournal(t, NewHub(nil), JournalConfig{})

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	j.Append(Event{Type: EventProvisioningSuccess, Timestamp: base, Interface: "wlan0", CycleID: "c1",
		Data: LinkPropertiesData{Addresses: []string{"192.0.2.10/24"}, IPv4: true}})
	j.Append(Event{Type: EventQuit, Timestamp: base.Add(time.Second), Interface: "wlan0"})
	j.Append(Event{Type: EventQuit, Timestamp: base.Add(2 * time.Second), Interface: "eth0"})
	require.NoError(t, j.Flush())

	recs, err := j.Query("wlan0", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, EventQuit, recs[0].Type, "newest first")
	assert.Nil(t, recs[0].Data)
	assert.Empty(t, recs[0].CycleID)

	assert.Equal(t, EventProvisioningSuccess, recs[1].Type)
	assert.Equal(t, "c1", recs[1].CycleID)
	assert.True(t, recs[1].Timestamp.Equal(base))
	var lp LinkPropertiesData
	require.NoError(t, json.Unmarshal(recs[1].Data, &lp))
	assert.Equal(t, []string{"192.0.2.10/24"}, lp.Addresses)
	assert.True(t, lp.IPv4)

	all, err := j.Query("", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "eth0", all[0].Interface)
}

func TestJournalPrune(t *testing.T) {
	j := openTestJournal(t, NewHub(nil), JournalConfig{})

	now := time.Now()
	j.Append(Event{Type: EventQuit, Timestamp: now.Add(-48 * time.Hour), Interface: "wlan0"})
	j.Append(Event{Type: EventQuit, Timestamp: now, Interface: "wlan0"})
	require.NoError(t, j.Flush())

	n, err := j.Prune(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := j.Query("wlan0", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestJournalFollowsHub(t *testing.T) {
	hub := NewHub(nil)
	j := openTestJournal(t, hub, JournalConfig{FlushInterval: 10 * time.Millisecond})
	j.Start()

	p := NewPublisher(hub, "wlan0", func() string { return "cycle" })
	require.NoError(t, p.OnReachabilityLost("fe80::1 lost"))

	require.Eventually(t, func() bool {
		recs, err := j.Query("wlan0", 0)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := j.Query("wlan0", 0)
	require.NoError(t, err)
	assert.Equal(t, EventReachabilityLost, recs[0].Type)
	assert.Equal(t, "cycle", recs[0].CycleID)
	assert.JSONEq(t, `{"message":"fe80::1 lost"}`, string(recs[0].Data))
}

func TestJournalStopFlushesBuffered(t *testing.T) {
	hub := NewHub(nil)
	j := openTestJournal(t, hub, JournalConfig{FlushInterval: time.Hour})
	j.Start()

	hub.Publish(Event{Type: EventQuit, Interface: "wlan0"})
	j.Stop()

	recs, err := j.Query("wlan0", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// Stop is idempotent and Close still works afterwards.
	j.Stop()
}

func TestJournalOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "journal.db")

	j, err := OpenJournal(path, NewHub(nil), JournalConfig{}, nil)
	require.NoError(t, err)
	j.Append(Event{Type: EventQuit, Timestamp: time.Now(), Interface: "wlan0"})
	require.NoError(t, j.Flush())
	require.NoError(t, j.Close())

	j, err = OpenJournal(path, NewHub(nil), JournalConfig{}, nil)
	require.NoError(t, err)
	defer j.Close()
	recs, err := j.Query("", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
