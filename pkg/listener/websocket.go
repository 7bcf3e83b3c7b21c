package listener

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/corepeer/peersync/pkg/log"
	"github.com/corepeer/peersync/pkg/metrics"
	"github.com/corepeer/peersync/pkg/perr"
	"github.com/corepeer/peersync/pkg/wsframe"
)

// websocketMagic is the fixed GUID RFC 6455 appends to Sec-WebSocket-Key
// before hashing to derive Sec-WebSocket-Accept.
const websocketMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// qualifiesForUpgrade reports whether r satisfies the upgrade contract:
// method=GET, Connection: upgrade, Upgrade: websocket,
// Sec-WebSocket-Version >= 13, Sec-WebSocket-Key length >= 10.
func qualifiesForUpgrade(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	version, err := strconv.Atoi(strings.TrimSpace(r.Header.Get("Sec-WebSocket-Version")))
	if err != nil || version < 13 {
		return false
	}
	if len(r.Header.Get("Sec-WebSocket-Key")) < 10 {
		return false
	}
	return true
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func acceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + websocketMagic))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// handleBlipSync upgrades a qualifying request to a framed WebSocket and
// detaches the underlying connection from the HTTP state machine, handing
// it to a wsframe.Socket — matching "the listener hands the underlying TCP
// socket plus the decoded headers to the sync engine's WebSocket factory
// and detaches it from the HTTP state machine."
func handleBlipSync(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	name := params["db"]
	if !l.pool.IsRegistered(name) {
		rw.Error(perr.LiteCore(perr.CodeNotFound, "no such database"))
		return
	}
	if !qualifiesForUpgrade(r) {
		rw.SetStatus(http.StatusUpgradeRequired)
		rw.JSON(map[string]any{"error": "expected a WebSocket upgrade request"})
		return
	}

	hijacker, ok := rw.w.(http.Hijacker)
	if !ok {
		rw.SetStatus(http.StatusInternalServerError)
		rw.JSON(map[string]any{"error": "connection does not support hijacking"})
		return
	}
	conn, buf, err := hijacker.Hijack()
	if err != nil {
		rw.SetStatus(http.StatusInternalServerError)
		rw.JSON(map[string]any{"error": "hijack failed"})
		return
	}
	rw.wroteBody = true // the HTTP response line below replaces the normal body

	accept := acceptKey(r.Header.Get("Sec-WebSocket-Key"))
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		"Server: " + l.serverHeader() + "\r\n\r\n"
	if _, err := buf.Write([]byte(resp)); err != nil || buf.Flush() != nil {
		_ = conn.Close()
		return
	}

	delegate := &syncDelegate{db: name}
	transport := &connTransport{conn: conn}
	socket := wsframe.NewSocket(wsframe.RoleServer, transport, delegate, wsframe.Options{Scheduler: l.sched})
	delegate.socket = socket

	socket.Connect()
	socket.OnConnect()

	go pumpConn(conn, buf, socket)
}

// connTransport adapts a hijacked net.Conn to wsframe.Transport.
type connTransport struct {
	conn net.Conn
}

func (t *connTransport) SendBytes(data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

func (t *connTransport) Close() error {
	return t.conn.Close()
}

// pumpConn reads raw bytes off the hijacked connection and feeds them to
// socket.OnReceive until the connection errors or closes.
func pumpConn(conn net.Conn, buf *bufio.ReadWriter, socket *wsframe.Socket) {
	readBuf := make([]byte, 4096)
	for {
		n, err := buf.Read(readBuf)
		if n > 0 {
			socket.OnReceive(readBuf[:n])
		}
		if err != nil {
			socket.OnClose(err)
			return
		}
	}
}

// syncDelegate is a minimal wsframe.Delegate for an upgraded sync
// connection. The BLIP message protocol carried over these frames is out
// of scope; this delegate only accounts for traffic in pkg/metrics and
// logs lifecycle events.
type syncDelegate struct {
	db     string
	socket *wsframe.Socket
}

func (d *syncDelegate) OnConnect() {
	log.WithComponent("listener").Info().Str("db", d.db).Msg("sync socket connected")
}

func (d *syncDelegate) OnTextMessage(data []byte) {
	metrics.FramesReceivedTotal.WithLabelValues("text").Inc()
	metrics.BytesReceivedTotal.Add(float64(len(data)))
}

func (d *syncDelegate) OnBinaryMessage(data []byte) {
	metrics.FramesReceivedTotal.WithLabelValues("binary").Inc()
	metrics.BytesReceivedTotal.Add(float64(len(data)))
}

func (d *syncDelegate) OnWriteable() {}

func (d *syncDelegate) OnClose(info wsframe.CloseInfo) {
	reason := "normal"
	switch {
	case info.Reason == wsframe.ReasonNetwork:
		reason = "network"
	case info.Code >= 1002 && info.Code <= 1015:
		reason = "error"
	}
	metrics.SocketsClosedTotal.WithLabelValues(reason).Inc()
	log.WithComponent("listener").Info().Str("db", d.db).Int("code", info.Code).Msg("sync socket closed")
}
