// Package wsproto defines the tunnel wire protocol shared by the client multiplexer and the
// server dispatcher.
//
// A tunnel session is one WebSocket. Every WebSocket binary message carries one or more
// frames (a frame may also be split across messages, so both ends decode with a streaming
// Decoder). Each frame is tagged with the id of the logical connection it belongs to:
//
//	|TYPE (8 bits)|CONNECTION ID (32 bits)|PAYLOAD LENGTH (32 bits)|PAYLOAD|
//
// Connection ids are allocated by the client. For one connection id the dispatcher always
// emits frames in the order
//
//	OPEN_ACK or ERROR, DATA*, END or ERROR, ..., CLOSE
//
// while frames of different connection ids may interleave arbitrarily.
//
// Payloads:
//
//	OPEN      JSON OpenRequest
//	ERROR     JSON ConnectionError
//	DATA      tcp: raw bytes
//	          http/https client->server: EncodeHTTPRequest stream, split at will
//	          http/https server->client: first DATA of a response is a JSON ResponseHead,
//	          following DATA frames are raw body bytes
//	END       empty; completes the oldest outstanding response
//	OPEN_ACK  empty
//	CLOSE     empty
package wsproto
