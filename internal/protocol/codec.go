package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	headerSize = 4
	// MaxFrameSize bounds a single message body.
	MaxFrameSize = 1 << 20

	writeTimeout = 2 * time.Second
)

func encodeFrame(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("message of %d bytes exceeds frame limit", len(body))
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

func frameLength(header []byte) (int, error) {
	n := binary.BigEndian.Uint32(header)
	if n > MaxFrameSize {
		return 0, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	return int(n), nil
}

// WriteRequest sends req with its descriptor attached as SCM_RIGHTS
// ancillary data. The caller keeps ownership of the descriptor.
func WriteRequest(conn *net.UnixConn, req *ScanRequest) error {
	frame, err := encodeFrame(req)
	if err != nil {
		return err
	}
	var oob []byte
	if fd := req.Handle().Fd(); fd >= 0 {
		oob = unix.UnixRights(fd)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

	n, _, err := conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if n < len(frame) {
		if _, err := conn.Write(frame[n:]); err != nil {
			return fmt.Errorf("send request: %w", err)
		}
	}
	return nil
}

// ReadRequest receives one request and the file that came with it. The
// returned file is nil when no descriptor was attached.
func ReadRequest(conn *net.UnixConn) (*ScanRequest, *os.File, error) {
	header := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(header, oob)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, io.EOF
	}
	file, err := fileFromRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	closeOnErr := func(err error) (*ScanRequest, *os.File, error) {
		if file != nil {
			file.Close()
		}
		return nil, nil, err
	}

	if n < headerSize {
		if _, err := io.ReadFull(conn, header[n:]); err != nil {
			return closeOnErr(fmt.Errorf("read request header: %w", err))
		}
	}
	size, err := frameLength(header)
	if err != nil {
		return closeOnErr(err)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return closeOnErr(fmt.Errorf("read request body: %w", err))
	}

	var req ScanRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return closeOnErr(fmt.Errorf("decode request: %w", err))
	}
	return &req, file, nil
}

func fileFromRights(oob []byte) (*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var file *os.File
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if file == nil {
				file = os.NewFile(uintptr(fd), "scan-target")
			} else {
				unix.Close(fd)
			}
		}
	}
	return file, nil
}

// WriteResponse sends one response frame.
func WriteResponse(w io.Writer, resp *ScanResponse) error {
	frame, err := encodeFrame(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

// ReadResponse receives one response frame.
func ReadResponse(r io.Reader) (*ScanResponse, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	size, err := frameLength(header)
	if err != nil {
		return nil, err
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var resp ScanResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
