// Command moqquic-cabi exports the moqquic transport as a C library.
//
// Build it with
//
//	go build -buildmode=c-shared -o libmoqquic.so ./cmd/moqquic-cabi
//
// Every function returns a non-negative value on success and a negative
// error code on failure. The codes are those of moqquic.ErrorCode.
package main

/*
#include <stdint.h>
#include <stddef.h>
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/okdaichi/moqquic/moqquic"
)

func main() {}

func code(err error) C.int32_t {
	return C.int32_t(moqquic.CodeOf(err))
}

//export moq_quic_init
func moq_quic_init() {
	moqquic.Init()
}

// moq_quic_connect starts a connection and stores its id in out_connection_id.
// A non-zero insecure skips certificate verification.
//
//export moq_quic_connect
func moq_quic_connect(host *C.char, port C.uint16_t, insecure C.uint8_t, out_connection_id *C.uint64_t) C.int32_t {
	return connect(host, port, nil, insecure, out_connection_id)
}

// moq_webtransport_connect is moq_quic_connect over WebTransport at path.
//
//export moq_webtransport_connect
func moq_webtransport_connect(host *C.char, port C.uint16_t, path *C.char, insecure C.uint8_t, out_session_id *C.uint64_t) C.int32_t {
	if path == nil {
		return C.int32_t(moqquic.CodeInvalidArgument)
	}
	return connect(host, port, path, insecure, out_session_id)
}

func connect(host *C.char, port C.uint16_t, path *C.char, insecure C.uint8_t, out *C.uint64_t) C.int32_t {
	if host == nil || out == nil {
		return C.int32_t(moqquic.CodeInvalidArgument)
	}

	var opts []moqquic.ConnectOption
	if insecure != 0 {
		opts = append(opts, moqquic.WithInsecureSkipVerify())
	}

	var (
		id  uint64
		err error
	)
	if path != nil {
		id, err = moqquic.ConnectWebTransport(C.GoString(host), uint16(port), C.GoString(path), opts...)
	} else {
		id, err = moqquic.Connect(C.GoString(host), uint16(port), opts...)
	}
	if err != nil {
		return code(err)
	}

	*out = C.uint64_t(id)
	return 0
}

// moq_quic_send returns the number of bytes accepted, which may be less than len.
//
//export moq_quic_send
func moq_quic_send(connection_id C.uint64_t, data *C.uint8_t, length C.size_t) C.int64_t {
	if data == nil && length > 0 {
		return C.int64_t(moqquic.CodeInvalidArgument)
	}

	n, err := moqquic.Send(uint64(connection_id), goBytes(data, length))
	if err != nil {
		return C.int64_t(moqquic.CodeOf(err))
	}
	return C.int64_t(n)
}

func goBytes(data *C.uint8_t, length C.size_t) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(data)), int(length))
}

// moq_quic_recv copies received bytes into buffer and returns their count,
// or zero if nothing is available.
//
//export moq_quic_recv
func moq_quic_recv(connection_id C.uint64_t, buffer *C.uint8_t, buffer_len C.size_t) C.int64_t {
	if buffer == nil || buffer_len == 0 {
		return C.int64_t(moqquic.CodeInvalidArgument)
	}

	p := unsafe.Slice((*byte)(unsafe.Pointer(buffer)), int(buffer_len))
	n, err := moqquic.RecvInto(uint64(connection_id), p)
	if err != nil {
		return C.int64_t(moqquic.CodeOf(err))
	}
	return C.int64_t(n)
}

// moq_quic_is_connected returns 1 if established and 0 otherwise.
//
//export moq_quic_is_connected
func moq_quic_is_connected(connection_id C.uint64_t) C.int32_t {
	ok, err := moqquic.IsConnected(uint64(connection_id))
	if err != nil {
		return code(err)
	}
	if ok {
		return 1
	}
	return 0
}

// moq_webtransport_open_uni_stream opens a unidirectional stream on the
// session and stores its id in out_stream_id.
//
//export moq_webtransport_open_uni_stream
func moq_webtransport_open_uni_stream(session_id C.uint64_t, out_stream_id *C.uint64_t) C.int32_t {
	if out_stream_id == nil {
		return C.int32_t(moqquic.CodeInvalidArgument)
	}

	sid, err := moqquic.OpenUniStream(uint64(session_id))
	if err != nil {
		return code(err)
	}

	*out_stream_id = C.uint64_t(sid)
	return 0
}

// moq_webtransport_stream_write returns the number of bytes accepted, which
// may be less than len.
//
//export moq_webtransport_stream_write
func moq_webtransport_stream_write(session_id, stream_id C.uint64_t, data *C.uint8_t, length C.size_t) C.int64_t {
	if data == nil && length > 0 {
		return C.int64_t(moqquic.CodeInvalidArgument)
	}

	n, err := moqquic.StreamWrite(uint64(session_id), uint64(stream_id), goBytes(data, length))
	if err != nil {
		return C.int64_t(moqquic.CodeOf(err))
	}
	return C.int64_t(n)
}

//export moq_webtransport_stream_finish
func moq_webtransport_stream_finish(session_id, stream_id C.uint64_t) C.int32_t {
	return code(moqquic.StreamFinish(uint64(session_id), uint64(stream_id)))
}

//export moq_quic_close
func moq_quic_close(connection_id C.uint64_t) C.int32_t {
	return code(moqquic.Close(uint64(connection_id)))
}

//export moq_quic_cleanup
func moq_quic_cleanup() {
	moqquic.Cleanup()
}

// moq_quic_get_last_error writes the last error of the connection as a
// NUL-terminated string into buffer, truncating it to fit. It returns the
// error code of that error, or 0 with an empty string if there is none.
//
//export moq_quic_get_last_error
func moq_quic_get_last_error(connection_id C.uint64_t, buffer *C.char, buffer_len C.size_t) C.int32_t {
	err := moqquic.LastError(uint64(connection_id))
	if errors.Is(err, moqquic.ErrNotFound) || errors.Is(err, moqquic.ErrEngineNotInitialized) {
		return code(err)
	}

	if buffer != nil && buffer_len > 0 {
		var msg string
		if err != nil {
			msg = err.Error()
		}
		writeCString(unsafe.Slice((*byte)(unsafe.Pointer(buffer)), int(buffer_len)), msg)
	}

	return code(err)
}

// writeCString copies s into dst as a NUL-terminated string, truncating it to fit.
func writeCString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	dst[n] = 0
}
