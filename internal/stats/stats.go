package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosuri/uitable"
)

// StatsCollector records the timings and counters of a single probe run
type StatsCollector struct {
	StartTime time.Time

	mu          sync.RWMutex
	connectedAt time.Time
	endTime     time.Time

	published  atomic.Uint64
	received   atomic.Uint64
	rounds     atomic.Uint64
	reconnects atomic.Uint64
	errors     atomic.Uint64
}

// NewStatsCollector creates a collector whose run starts now
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{StartTime: time.Now()}
}

// MarkConnected records when the initial connection was established
func (s *StatsCollector) MarkConnected(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedAt = t
}

// MarkEnd records when the run finished
func (s *StatsCollector) MarkEnd(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endTime = t
}

func (s *StatsCollector) IncPublished()  { s.published.Add(1) }
func (s *StatsCollector) IncReceived()   { s.received.Add(1) }
func (s *StatsCollector) IncRounds()     { s.rounds.Add(1) }
func (s *StatsCollector) IncReconnects() { s.reconnects.Add(1) }
func (s *StatsCollector) IncErrors()     { s.errors.Add(1) }

// ConnectionTime is the time from start until the connection was
// established, zero if it never was
func (s *StatsCollector) ConnectionTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.connectedAt.IsZero() {
		return 0
	}
	return s.connectedAt.Sub(s.StartTime)
}

// TransferTime is the time from connection until the end of the run
func (s *StatsCollector) TransferTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.connectedAt.IsZero() || s.endTime.IsZero() {
		return 0
	}
	return s.endTime.Sub(s.connectedAt)
}

// Report is a point-in-time copy of the collected statistics
type Report struct {
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	ConnectionTime time.Duration `json:"-"`
	TransferTime   time.Duration `json:"-"`
	Published      uint64        `json:"messages_published"`
	Received       uint64        `json:"messages_received"`
	Rounds         uint64        `json:"rounds"`
	Reconnects     uint64        `json:"reconnects"`
	Errors         uint64        `json:"errors"`
}

// MarshalJSON reports durations in seconds
func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	return json.Marshal(struct {
		plain
		ConnectionSeconds float64 `json:"connection_time_seconds"`
		TransferSeconds   float64 `json:"transfer_time_seconds"`
	}{
		plain:             plain(r),
		ConnectionSeconds: r.ConnectionTime.Seconds(),
		TransferSeconds:   r.TransferTime.Seconds(),
	})
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() Report {
	s.mu.RLock()
	end := s.endTime
	s.mu.RUnlock()

	return Report{
		StartTime:      s.StartTime,
		EndTime:        end,
		ConnectionTime: s.ConnectionTime(),
		TransferTime:   s.TransferTime(),
		Published:      s.published.Load(),
		Received:       s.received.Load(),
		Rounds:         s.rounds.Load(),
		Reconnects:     s.reconnects.Load(),
		Errors:         s.errors.Load(),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns received messages per second of transfer time
func (r Report) CalculateRate() float64 {
	secs := r.TransferTime.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.Received) / secs
}

// WriteTable renders r as a two column table
func (r Report) WriteTable(w io.Writer) error {
	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("Connection time:", fmt.Sprintf("%.3fs", r.ConnectionTime.Seconds()))
	table.AddRow("Data transfer time:", fmt.Sprintf("%.3fs", r.TransferTime.Seconds()))
	table.AddRow("Messages published:", r.Published)
	table.AddRow("Messages received:", r.Received)
	table.AddRow("Rounds:", r.Rounds)
	table.AddRow("Reconnects:", r.Reconnects)
	table.AddRow("Receive rate:", fmt.Sprintf("%.2f msg/s", r.CalculateRate()))
	if r.Errors > 0 {
		table.AddRow("Errors:", r.Errors)
	}

	_, err := fmt.Fprintln(w, table)
	return err
}

// WriteJSON renders r as a single JSON document
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
