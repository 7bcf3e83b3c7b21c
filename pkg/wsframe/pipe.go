package wsframe

// pipeTransport wires one Socket's output directly into a peer Socket's
// OnReceive, simulating an in-memory network connection for tests and for
// any in-process client/server pairing.
type pipeTransport struct {
	owner  *Socket
	peer   *Socket
	closed bool
}

func (t *pipeTransport) SendBytes(data []byte) error {
	if t.closed {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	go func() {
		t.peer.OnReceive(cp)
		t.owner.OnWriteComplete(len(cp))
	}()
	return nil
}

func (t *pipeTransport) Close() error {
	t.closed = true
	return nil
}

// NewPipe creates two connected Sockets (client and server) wired together
// by an in-memory transport, already past the connect handshake.
func NewPipe(clientDelegate, serverDelegate Delegate, opts Options) (client, server *Socket) {
	client = NewSocket(RoleClient, nil, clientDelegate, opts)
	server = NewSocket(RoleServer, nil, serverDelegate, opts)

	client.transport = &pipeTransport{owner: client, peer: server}
	server.transport = &pipeTransport{owner: server, peer: client}

	client.Connect()
	server.Connect()
	client.OnConnect()
	server.OnConnect()
	return client, server
}
