// Package protocol defines the wire types exchanged between an external
// detector and the coordinator (spec §6), plus the lookup ABI header the
// data-plane sidecar consumes after a snapshot is compiled. Both ends of
// each contract import this package so the shapes never drift apart.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/arlen-kass/epigen/internal/compiler"
)

// Decision is the coordinator's verdict for one detect request.
type Decision string

const (
	DecisionAllow   Decision = "ALLOW"
	DecisionBlock   Decision = "BLOCK"
	DecisionObserve Decision = "OBSERVE"
)

// DetectFeatures is the discretization input carried on every event
// (spec §3 Event.features). Depth is optional on the wire: when omitted,
// the coordinator derives it from Path via epath.Depth.
type DetectFeatures struct {
	Anomaly   float64 `json:"anomaly"`
	Entropy   float64 `json:"entropy"`
	Frequency float64 `json:"frequency"`
	Depth     *int    `json:"depth,omitempty"`
}

// DetectRequest is the JSON body POSTed to /detect (spec §6).
type DetectRequest struct {
	ServiceID string         `json:"service_id"`
	Path      string         `json:"path"`
	Payload   string         `json:"payload,omitempty"`
	Features  DetectFeatures `json:"features"`
}

// DetectResponse is the JSON body returned from /detect (spec §6).
type DetectResponse struct {
	Decision        Decision `json:"decision"`
	SnapshotVersion uint64   `json:"snapshot_version"`
}

// SnapshotManifest describes an exported FlatSnapshot without carrying
// the full path list; it is the JSON body of /snapshot, for lightweight
// polling.
type SnapshotManifest struct {
	ID              string    `json:"id"`
	ServiceID       string    `json:"service_id"`
	Version         uint64    `json:"version"`
	PathCount       int       `json:"path_count"`
	DigestHex       string    `json:"digest_hex"`
	CompiledAt      time.Time `json:"compiled_at"`
}

// ABIHeader is the fixed-size header the data-plane lookup ABI prefixes
// onto the length-prefixed path list (spec §6 "Data-plane lookup ABI"):
// a u64 version followed by a u32 path count, both little-endian.
type ABIHeader struct {
	Version   uint64
	PathCount uint32
}

// WriteABI serializes snap into the data-plane lookup ABI wire format: an
// ABIHeader followed by snap's paths, each as a u32 length prefix plus
// its raw UTF-8 bytes, in compile order. A sidecar that only needs
// allow_p(path) can mmap this once per snapshot and avoid a JSON parse
// on every lookup.
func WriteABI(w io.Writer, snap *compiler.Snapshot) error {
	paths := snap.Paths()
	hdr := ABIHeader{Version: snap.Version, PathCount: uint32(len(paths))}
	if err := binary.Write(w, binary.LittleEndian, hdr.Version); err != nil {
		return fmt.Errorf("protocol: write abi version: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, hdr.PathCount); err != nil {
		return fmt.Errorf("protocol: write abi path count: %w", err)
	}
	for _, p := range paths {
		b := []byte(p)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
			return fmt.Errorf("protocol: write abi path length: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("protocol: write abi path: %w", err)
		}
	}
	return nil
}

// ReadABI parses the wire format WriteABI produces, returning the header
// and the ordered path list.
func ReadABI(r io.Reader) (ABIHeader, []string, error) {
	var hdr ABIHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr.Version); err != nil {
		return hdr, nil, fmt.Errorf("protocol: read abi version: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.PathCount); err != nil {
		return hdr, nil, fmt.Errorf("protocol: read abi path count: %w", err)
	}

	paths := make([]string, 0, hdr.PathCount)
	for i := uint32(0); i < hdr.PathCount; i++ {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return hdr, nil, fmt.Errorf("protocol: read abi path length: %w", err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return hdr, nil, fmt.Errorf("protocol: read abi path: %w", err)
		}
		paths = append(paths, string(buf))
	}
	return hdr, paths, nil
}
