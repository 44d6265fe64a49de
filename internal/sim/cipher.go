package sim

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

// Cipher errors.
var (
	ErrCipherDisabled = errors.New("cipher disabled")
	ErrBusy           = errors.New("cipher request in progress")
	ErrNoBlock        = errors.New("block computations not done")
	ErrLaneCount      = errors.New("lane count out of range")
	ErrKeySelect      = errors.New("key select out of range")
)

const (
	maxLanes     = 4
	maxKeySelect = 7
)

// Cipher is a deterministic software model of an HDCP 1.x cipher block.
// Two ciphers loaded with the same KSV pair, B value and key select derive
// the same Ro, Mo and Ri sequence. It is not the HDCP cipher and provides
// no protection.
type Cipher struct {
	mu sync.Mutex

	local   hdcp.Ksv
	remote  hdcp.Ksv
	keySel  uint8
	lanes   int
	b       [3]uint32
	enabled bool

	latency int
	pending int
	request hdcp.Request
	rng     *rand.Rand

	prk      []byte
	computed bool
	ro, ri   uint16
	mi, mo   uint64
	frame    uint64
	linkUp   bool
	encrypt  uint64
	checkOn  bool
	riUpdate bool

	linkFailCb func()
	riCb       func()
}

// NewCipher returns a disabled cipher holding ksv. latency is the number of
// IsRequestComplete calls a request stays pending.
func NewCipher(ksv hdcp.Ksv, latency int) *Cipher {
	seed := uint64(ksv)
	return &Cipher{
		local:   ksv,
		lanes:   maxLanes,
		latency: max(latency, 0),
		linkUp:  true,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}
}

// Enable powers the cipher.
func (c *Cipher) Enable() error {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

// Disable powers the cipher down and drops the session.
func (c *Cipher) Disable() error {
	c.mu.Lock()
	c.enabled = false
	c.computed = false
	c.prk = nil
	c.pending = 0
	c.encrypt = 0
	c.mu.Unlock()
	return nil
}

// SetKeySelect selects one of eight key sets.
func (c *Cipher) SetKeySelect(sel uint8) error {
	if sel > maxKeySelect {
		return fmt.Errorf("key select %d: %w", sel, ErrKeySelect)
	}
	c.mu.Lock()
	c.keySel = sel
	c.mu.Unlock()
	return nil
}

// SetLaneCount sets the number of DisplayPort lanes (1..4).
func (c *Cipher) SetLaneCount(n int) error {
	if n < 1 || n > maxLanes {
		return fmt.Errorf("lane count %d: %w", n, ErrLaneCount)
	}
	c.mu.Lock()
	c.lanes = n
	c.mu.Unlock()
	return nil
}

// LocalKsv returns the cipher's own KSV.
func (c *Cipher) LocalKsv() hdcp.Ksv {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// SetRemoteKsv loads the peer KSV.
func (c *Cipher) SetRemoteKsv(k hdcp.Ksv) error {
	if !k.IsValid() {
		return fmt.Errorf("remote %s: %w", k, hdcp.ErrInvalidKsv)
	}
	c.mu.Lock()
	c.remote = k
	c.computed = false
	c.mu.Unlock()
	return nil
}

// SetB loads the B register derived from An.
func (c *Cipher) SetB(x, y, z uint32) error {
	c.mu.Lock()
	c.b = [3]uint32{x, y, z}
	c.mu.Unlock()
	return nil
}

// DoRequest starts a request.
func (c *Cipher) DoRequest(r hdcp.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return fmt.Errorf("%s request: %w", r, ErrCipherDisabled)
	}
	if c.pending > 0 {
		return fmt.Errorf("%s request: %w", r, ErrBusy)
	}
	if r == hdcp.RequestRekey && !c.computed {
		return fmt.Errorf("%s request: %w", r, ErrNoBlock)
	}

	c.request = r
	c.pending = c.latency + 1
	c.advance()
	return nil
}

// IsRequestComplete reports whether the last request has finished. Each
// call advances a pending request by one step.
func (c *Cipher) IsRequestComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.pending == 0
}

// advance steps a pending request. Caller holds c.mu.
func (c *Cipher) advance() {
	if c.pending == 0 {
		return
	}
	c.pending--
	if c.pending > 0 {
		return
	}

	switch c.request {
	case hdcp.RequestRng:
		c.mi = c.rng.Uint64()
	case hdcp.RequestBlock:
		c.computeBlock()
	case hdcp.RequestRekey:
		c.ri = c.derive16("ri", c.frame)
	}
}

// computeBlock derives the session secret from the KSV pair and B.
func (c *Cipher) computeBlock() {
	lo, hi := min(c.local, c.remote), max(c.local, c.remote)
	secret := hi.AppendBytes(lo.AppendBytes(nil))
	secret = append(secret, c.keySel)

	salt := make([]byte, 0, 12)
	for _, v := range c.b {
		salt = binary.LittleEndian.AppendUint32(salt, v)
	}

	c.prk = hkdf.Extract(sha256.New, secret, salt)

	var out [10]byte
	c.expand([]byte("r0m0"), out[:])
	c.ro = binary.LittleEndian.Uint16(out[:2])
	c.mo = binary.LittleEndian.Uint64(out[2:])
	c.ri = c.ro
	c.frame = 0
	c.computed = true
}

func (c *Cipher) derive16(label string, n uint64) uint16 {
	info := binary.LittleEndian.AppendUint64([]byte(label), n)
	var out [2]byte
	c.expand(info, out[:])
	return binary.LittleEndian.Uint16(out[:])
}

func (c *Cipher) expand(info, out []byte) {
	// HKDF-SHA256 can expand up to 8160 bytes; short reads cannot fail.
	_, _ = io.ReadFull(hkdf.Expand(sha256.New, c.prk, info), out)
}

// Ri returns the rolling link verification value.
func (c *Cipher) Ri() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ri
}

// Ro returns the first link verification value of the session.
func (c *Cipher) Ro() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ro
}

// Mi returns the output of the last RNG request.
func (c *Cipher) Mi() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mi
}

// Mo returns the session's V' key.
func (c *Cipher) Mo() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mo
}

// IsLinkUp reports whether the session is computed and the link is up.
func (c *Cipher) IsLinkUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && c.computed && c.linkUp
}

// SetLinkStateCheck arms DisplayPort link failure callbacks.
func (c *Cipher) SetLinkStateCheck(on bool) {
	c.mu.Lock()
	c.checkOn = on
	c.mu.Unlock()
}

// SetRiUpdate arms Ri update callbacks.
func (c *Cipher) SetRiUpdate(on bool) {
	c.mu.Lock()
	c.riUpdate = on
	c.mu.Unlock()
}

// SetLinkFailCallback installs the link failure callback.
func (c *Cipher) SetLinkFailCallback(fn func()) {
	c.mu.Lock()
	c.linkFailCb = fn
	c.mu.Unlock()
}

// SetRiUpdateCallback installs the Ri update callback.
func (c *Cipher) SetRiUpdateCallback(fn func()) {
	c.mu.Lock()
	c.riCb = fn
	c.mu.Unlock()
}

// EnableEncryption turns on encryption for the given streams.
func (c *Cipher) EnableEncryption(streams uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.computed {
		return fmt.Errorf("enable encryption %#x: %w", streams, ErrNoBlock)
	}
	c.encrypt |= streams
	return nil
}

// DisableEncryption turns off encryption for the given streams.
func (c *Cipher) DisableEncryption(streams uint64) error {
	c.mu.Lock()
	c.encrypt &^= streams
	c.mu.Unlock()
	return nil
}

// Encryption returns the streams currently encrypted.
func (c *Cipher) Encryption() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypt
}

// Frame advances the frame counter, rolls Ri and raises the Ri update
// callback when armed.
func (c *Cipher) Frame() {
	c.mu.Lock()
	if !c.enabled || !c.computed {
		c.mu.Unlock()
		return
	}
	c.frame++
	c.ri = c.derive16("ri", c.frame)
	fn := c.riCb
	if !c.riUpdate {
		fn = nil
	}
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// SetLinkUp changes the simulated link state. Dropping the link raises
// the link failure callback when armed.
func (c *Cipher) SetLinkUp(up bool) {
	c.mu.Lock()
	c.linkUp = up
	fn := c.linkFailCb
	if up || !c.checkOn {
		fn = nil
	}
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Lanes returns the configured lane count.
func (c *Cipher) Lanes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lanes
}

// KeySelect returns the configured key set.
func (c *Cipher) KeySelect() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keySel
}
