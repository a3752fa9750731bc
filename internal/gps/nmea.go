package gps

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// uere is the assumed user equivalent range error of a consumer receiver,
// used to turn HDOP into an accuracy in meters.
const uere = 5.0

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS.
// Compatible with u-blox NEO-M8N and any standard NMEA GPS. Every Conn
// opens the port itself; the receiver has a single accuracy tier so the
// requested priority is not used.
type NMEAProvider struct {
	portPath string
	baudRate int
	cache    *Cache
	log      *zap.Logger

	open func(path string, baud int) (io.ReadCloser, error)
	stat func(path string) error
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig, cache *Cache, log *zap.Logger) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		cache:    cache,
		log:      log.Named("nmea"),
		open:     openSerial,
		stat: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

func openSerial(path string, baud int) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("gps: failed to open %s: %w", path, err)
	}
	return port, nil
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) Available() error {
	if n.portPath == "" {
		return fmt.Errorf("%w: no serial port configured", ErrUnavailable)
	}
	if err := n.stat(n.portPath); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (n *NMEAProvider) NewConn() Conn {
	return &nmeaConn{p: n}
}

type nmeaConn struct {
	p *NMEAProvider

	mu      sync.Mutex
	port    io.ReadCloser
	closed  bool
	pending func(Location)
	fix     nmeaFix
}

func (c *nmeaConn) Connect(cb Connector) {
	go func() {
		port, err := c.p.open(c.p.portPath, c.p.baudRate)
		if err != nil {
			cb.OnConnectionFailed(&ConnectionError{Code: CodeNetworkError, Err: err})
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			port.Close()
			cb.OnConnectionFailed(&ConnectionError{Code: CodeCanceled})
			return
		}
		c.port = port
		c.mu.Unlock()

		c.p.log.Info("connected", zap.String("port", c.p.portPath), zap.Int("baud", c.p.baudRate))
		go c.readLoop(port, cb)
		cb.OnConnected()
	}()
}

func (c *nmeaConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

func (c *nmeaConn) LastKnown() (Location, bool) {
	return c.p.cache.Get()
}

func (c *nmeaConn) RequestSingleFix(_ Priority, fn func(Location)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return ErrNotConnected
	}
	c.pending = fn
	return nil
}

func (c *nmeaConn) readLoop(r io.Reader, cb Connector) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		loc, ok := c.handleLine(scanner.Text())
		if !ok {
			continue
		}
		c.p.cache.Put(loc)

		c.mu.Lock()
		fn := c.pending
		c.pending = nil
		c.mu.Unlock()
		if fn != nil {
			fn(loc)
		}
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		cb.OnSuspended(CauseServiceDisconnected)
	}
}

// handleLine feeds one sentence into the accumulator and reports a
// completed fix on every valid RMC.
func (c *nmeaConn) handleLine(line string) (Location, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") || !validateNMEAChecksum(line) {
		return Location{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case strings.HasPrefix(line, "$GPGGA"), strings.HasPrefix(line, "$GNGGA"):
		c.fix.parseGGA(line)
	case strings.HasPrefix(line, "$GPRMC"), strings.HasPrefix(line, "$GNRMC"):
		if c.fix.parseRMC(line) {
			return c.fix.location(c.p.Name()), true
		}
	}
	return Location{}, false
}

// nmeaFix accumulates the fields of RMC and GGA sentences.
type nmeaFix struct {
	lat, lon float64
	hdop     float64
	at       time.Time
}

// parseRMC reports whether the sentence carried a valid position.
func (f *nmeaFix) parseRMC(line string) bool {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	parts := splitNMEA(line)
	if len(parts) < 10 || parts[2] != "A" {
		return false
	}
	for _, field := range parts[3:7] {
		if field == "" {
			return false
		}
	}
	f.lat = parseNMEACoord(parts[3], parts[4])
	f.lon = parseNMEACoord(parts[5], parts[6])
	f.at = parseNMEATime(parts[9], parts[1])
	return true
}

func (f *nmeaFix) parseGGA(line string) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	parts := splitNMEA(line)
	if len(parts) < 9 {
		return
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		f.hdop = hdop
	}
}

func (f *nmeaFix) location(source string) Location {
	loc := Location{
		Latitude:  f.lat,
		Longitude: f.lon,
		Time:      f.at,
		Source:    source,
	}
	if f.hdop > 0 {
		loc.Accuracy = math.Round(f.hdop*uere*10) / 10
	}
	return loc
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	return strings.Split(strings.TrimPrefix(line, "$"), ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	result := deg + (val-deg*100)/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// parseNMEATime combines the RMC ddmmyy date and hhmmss.ss time. Returns the
// zero time if either is malformed.
func parseNMEATime(date, clock string) time.Time {
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}
	}
	t, err := time.Parse("020106150405", date+clock[:6])
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 1 || idx+3 > len(line) {
		return false
	}
	var calc byte
	for i := 1; i < idx; i++ {
		calc ^= line[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}
