package batch

import (
	"fmt"
	"strings"
)

// ReloadChannel is the channel carrying initial loads
const ReloadChannel = "reload"

// BinaryEncoding describes how binary column values are written in a batch
type BinaryEncoding int

const (
	EncodingNone BinaryEncoding = iota
	EncodingBase64
	EncodingHex
)

func (e BinaryEncoding) String() string {
	switch e {
	case EncodingBase64:
		return "BASE64"
	case EncodingHex:
		return "HEX"
	default:
		return "NONE"
	}
}

// ParseBinaryEncoding parses NONE, BASE64 or HEX (case-insensitive)
func ParseBinaryEncoding(s string) (BinaryEncoding, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return EncodingNone, nil
	case "BASE64":
		return EncodingBase64, nil
	case "HEX":
		return EncodingHex, nil
	}
	return EncodingNone, fmt.Errorf("unknown binary encoding %q", s)
}

// Batch is the unit of transport and commit
type Batch struct {
	ID           int64
	ChannelID    string
	SourceNodeID string
	TargetNodeID string
	Encoding     BinaryEncoding

	// Load is set for initial load batches
	Load bool
	// Retry is set when the sender marked the batch as a re-delivery
	Retry bool
	// Ignored is set when the batch was drained without being applied
	Ignored bool
	// Complete is set once the commit token has been read
	Complete bool

	Stats *Statistics
}

// New creates a batch with fresh statistics
func New(id int64, channelID, sourceNodeID string, encoding BinaryEncoding) *Batch {
	return &Batch{
		ID:           id,
		ChannelID:    channelID,
		SourceNodeID: sourceNodeID,
		Encoding:     encoding,
		Load:         channelID == ReloadChannel,
		Stats:        NewStatistics(),
	}
}

func (b *Batch) String() string {
	return fmt.Sprintf("%s-%d", b.SourceNodeID, b.ID)
}
