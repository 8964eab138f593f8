package mirage

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Conn is a single persistent control connection to the appliance. The
// primary connection carries instance "*"; every lazily-opened per-player
// side connection carries that player's name.
type Conn interface {
	Connect() error
	Disconnect() error
	Send(cmd string)
	CheckPing()
	Instance() string
}

// frameHandler receives decoded inbound frames and connection state changes
// from a Conn. All callbacks for one Conn run on that Conn's read goroutine.
type frameHandler interface {
	handleFrame(conn Conn, frame string)
	connectionChanged(conn Conn, connected bool)
}

// mmsClient is a line-oriented TCP client for the appliance's control port.
// It keeps itself connected: a failed dial or a dropped socket schedules a
// retry until Disconnect is called.
type mmsClient struct {
	logger  *zap.SugaredLogger
	handler frameHandler

	host string
	port int
	inst string

	retryInterval time.Duration
	pingInterval  time.Duration

	lock      sync.Mutex
	conn      net.Conn
	connected bool
	stopped   bool
	lastHeard time.Time
}

// frames with embedded art URLs can get long
const maxFrameBytes = 1024 * 1024

func newMmsClient(logger *zap.SugaredLogger, host string, port int, inst string, retryInterval time.Duration, pingInterval time.Duration, handler frameHandler) *mmsClient {
	logger = logger.Named("client").With("inst", inst)

	mc := &mmsClient{
		logger:        logger,
		handler:       handler,
		host:          host,
		port:          port,
		inst:          inst,
		retryInterval: retryInterval,
		pingInterval:  pingInterval,
	}

	logger.Debug("Created mms client instance")

	return mc
}

func (mc *mmsClient) Instance() string {
	return mc.inst
}

// Connect starts the dial/read/retry loop in the background. It never
// fails synchronously; connection state arrives through the handler.
func (mc *mmsClient) Connect() error {
	mc.lock.Lock()
	mc.stopped = false
	mc.lock.Unlock()

	go mc.run()

	return nil
}

func (mc *mmsClient) run() {
	addr := fmt.Sprintf("%s:%d", mc.host, mc.port)

	for {
		if mc.isStopped() {
			return
		}

		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			mc.logger.Warnw("Failed to dial appliance, will retry", "addr", addr, "error", err)

			time.Sleep(mc.retryInterval)
			continue
		}

		mc.lock.Lock()
		mc.conn = conn
		mc.connected = true
		mc.lastHeard = time.Now()
		mc.lock.Unlock()

		mc.logger.Infow("Connected to appliance", "addr", addr)
		mc.handler.connectionChanged(mc, true)

		mc.readLoop(conn)

		mc.lock.Lock()
		mc.conn = nil
		mc.connected = false
		stopped := mc.stopped
		mc.lock.Unlock()

		mc.handler.connectionChanged(mc, false)

		if stopped {
			return
		}

		mc.logger.Infow("Connection lost, reconnecting", "addr", addr, "retryIn", mc.retryInterval)
		time.Sleep(mc.retryInterval)
	}
}

// readLoop delivers inbound frames one line at a time until the socket dies
func (mc *mmsClient) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameBytes)

	for scanner.Scan() {
		frame := scanner.Text()
		if frame == "" {
			continue
		}

		mc.lock.Lock()
		mc.lastHeard = time.Now()
		mc.lock.Unlock()

		mc.handler.handleFrame(mc, frame)
	}

	if err := scanner.Err(); err != nil && !mc.isStopped() {
		mc.logger.Warnw("Read loop ended with error", "error", err)
	}
}

// Send writes one command line. Commands issued while disconnected are
// dropped here; nothing queues across a disconnect.
func (mc *mmsClient) Send(cmd string) {
	mc.lock.Lock()
	conn := mc.conn
	mc.lock.Unlock()

	if conn == nil {
		mc.logger.Debugw("Dropping command, not connected", "cmd", cmd)
		return
	}

	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		mc.logger.Warnw("Failed to send command", "cmd", cmd, "error", err)
	}
}

// CheckPing nudges the appliance if nothing has been heard for a while, so
// a half-open socket gets detected by the next read failing
func (mc *mmsClient) CheckPing() {
	mc.lock.Lock()
	connected := mc.connected
	quiet := time.Since(mc.lastHeard)
	mc.lock.Unlock()

	if connected && quiet >= mc.pingInterval {
		mc.Send("ping")
	}
}

func (mc *mmsClient) Disconnect() error {
	mc.lock.Lock()
	mc.stopped = true
	conn := mc.conn
	mc.lock.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}

	return nil
}

func (mc *mmsClient) isStopped() bool {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	return mc.stopped
}
