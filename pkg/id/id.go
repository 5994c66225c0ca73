// Package id generates sortable message identifiers. Each generator is
// seeded with a machine identifier so that ids produced by different hosts in
// a cluster cannot collide; ids from one Generator are strictly increasing.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"net"
	"os"
	"sync"
	"time"
)

// ID is a 128-bit identifier encoded big-endian as
// [8 bytes ms_timestamp][4 bytes machine][4 bytes sequence], so the textual
// form sorts by creation time.
type ID [16]byte

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns the lower-case hex form.
func (i ID) String() string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 32)
	for idx, v := range i[:] {
		out[idx*2] = hexdigits[v>>4]
		out[idx*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

// Generator produces increasing IDs for one queue instance.
type Generator struct {
	mu      sync.Mutex
	machine uint32
	lastMs  int64
	seq     uint32
}

// NowMs returns the current time in milliseconds since the Unix epoch.
// Overridable in tests.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// NewGenerator creates a Generator seeded from this machine's identity.
func NewGenerator() *Generator {
	return &Generator{machine: machineID()}
}

// NewGeneratorWithMachine creates a Generator with an explicit machine seed.
func NewGeneratorWithMachine(machine uint32) *Generator {
	return &Generator{machine: machine}
}

// Next returns a new ID. If the clock goes backwards the previous timestamp
// is reused and the sequence keeps the ordering.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	if ms == g.lastMs {
		g.seq++
	} else {
		g.seq = 0
		g.lastMs = ms
	}

	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint32(id[8:12], g.machine)
	binary.BigEndian.PutUint32(id[12:16], g.seq)
	return id
}

// machineID derives a 32-bit machine seed from the first hardware address,
// falling back to hostname+pid, then to random bytes.
func machineID() uint32 {
	h := fnv.New32a()
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if len(iface.HardwareAddr) > 0 {
				_, _ = h.Write(iface.HardwareAddr)
				return h.Sum32()
			}
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		_, _ = h.Write([]byte(host))
		var pid [4]byte
		binary.BigEndian.PutUint32(pid[:], uint32(os.Getpid()))
		_, _ = h.Write(pid[:])
		return h.Sum32()
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err == nil {
		return binary.BigEndian.Uint32(b[:])
	}
	return uint32(os.Getpid())
}
