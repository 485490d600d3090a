package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/media counter.
var Stats = &stats{}

type stats struct {
	MessagesSent  atomic.Int64 // signaling messages handed to the bus
	MessagesRecv  atomic.Int64 // signaling messages received from the bus
	CandidatesBuf atomic.Int64 // remote candidates that had to wait for the remote description
	CandidateErrs atomic.Int64 // remote candidates the peer connection rejected
	MediaBytesIn  atomic.Int64 // RTP payload bytes received on remote tracks
}

func (s *stats) AddSent()         { s.MessagesSent.Add(1) }
func (s *stats) AddRecv()         { s.MessagesRecv.Add(1) }
func (s *stats) AddBuffered()     { s.CandidatesBuf.Add(1) }
func (s *stats) AddCandidateErr() { s.CandidateErrs.Add(1) }
func (s *stats) AddMediaIn(n int) { s.MediaBytesIn.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevMedia int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.MessagesSent.Load()
				recv := Stats.MessagesRecv.Load()
				media := Stats.MediaBytesIn.Load()

				inS := float64(media-prevMedia) / 10.0
				sigOut := sent - prevSent
				sigIn := recv - prevRecv

				if sigOut > 0 || sigIn > 0 || inS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, sigOut, sigIn))
				}

				prevSent = sent
				prevRecv = recv
				prevMedia = media

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(mediaIn float64, sigOut, sigIn int64) string {
	return fmt.Sprintf("Media in: %s/s | Signaling: %2d↑ %2d↓ | Buffered ICE: %d | Rejected ICE: %d",
		formatBytes(mediaIn),
		sigOut,
		sigIn,
		Stats.CandidatesBuf.Load(),
		Stats.CandidateErrs.Load(),
	)
}
