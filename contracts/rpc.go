package contracts

// RPCResponse is the decision a request handler returns for one inbound request.
// Message is published as the reply only when Ack is true; a nil Message means no reply.
type RPCResponse struct {
	Message []byte
	Ack     bool
	Requeue bool
}

// Reply acknowledges the request and replies with body
func Reply(body []byte) RPCResponse {
	return RPCResponse{Message: body, Ack: true}
}

// Ack acknowledges the request without replying
func Ack() RPCResponse {
	return RPCResponse{Ack: true}
}

// Reject negatively acknowledges the request
func Reject(requeue bool) RPCResponse {
	return RPCResponse{Requeue: requeue}
}

// HasReply reports whether the responder should publish a reply
func (r RPCResponse) HasReply() bool {
	return r.Ack && r.Message != nil
}
