package perr

import (
	"errors"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", LiteCore(CodeNotFound, "missing"), 404},
		{"conflict", LiteCore(CodeConflict, "dup"), 409},
		{"invalid param", LiteCore(CodeInvalidParameter, "bad"), 400},
		{"unsupported", LiteCore(CodeUnsupported, "nope"), 501},
		{"crypto", LiteCore(CodeCrypto, "denied"), 401},
		{"busy", LiteCore(CodeBusy, "locked"), 423},
		{"websocket numeric http status", WebSocket(404, "missing db"), 404},
		{"websocket close code", WebSocket(1000, "normal"), 500},
		{"plain error", errors.New("boom"), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(Network(NetErrTimeout, "timed out")) {
		t.Error("timeout should be transient")
	}
	if IsTransient(Network(NetErrHostUnreachable, "unreachable")) {
		t.Error("host unreachable should not be transient")
	}
	if IsTransient(LiteCore(CodeNotFound, "x")) {
		t.Error("non-network errors are never transient")
	}
}

func TestIsNetworkDependent(t *testing.T) {
	if !IsNetworkDependent(Network(NetErrHostUnreachable, "unreachable")) {
		t.Error("host unreachable should be network-dependent")
	}
	if IsNetworkDependent(Network(NetErrTimeout, "timed out")) {
		t.Error("timeout should not be network-dependent")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(NetworkDomain, NetErrDNSFailure, "lookup failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Wrap should preserve cause for errors.Is")
	}
}
