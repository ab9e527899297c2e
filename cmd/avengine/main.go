// Command avengine is a minimal scanning engine for exercising avdug. It
// flags the EICAR test signature and reports encrypted zip archives as
// password protected.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelscutari/avdug/internal/engine"
	"github.com/michaelscutari/avdug/internal/logging"
	"github.com/michaelscutari/avdug/internal/protocol"
)

const (
	eicarSignature = "EICAR-STANDARD-ANTIVIRUS-TEST-FILE"
	eicarName      = "EICAR-AV-Test"
	maxScanBytes   = 64 << 20
)

var (
	socketPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "avengine",
	Short:        "Serve a stub scanning engine on a unix socket",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&socketPath, "socket", "s", engine.DefaultSocket, "Socket to listen on")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Setup("ENG", verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := protocol.NewServer(socketPath, scanFile)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)
	log.WithFields(log.Fields{"socket": socketPath}).Info("Engine ready")
	return srv.Serve(ctx)
}

// scanFile inspects the descriptor passed with req.
func scanFile(req *protocol.ScanRequest, file *os.File) *protocol.ScanResponse {
	if file == nil {
		return &protocol.ScanResponse{ErrorMsg: fmt.Sprintf("No file descriptor received for %s", req.Path)}
	}
	data, err := io.ReadAll(io.LimitReader(file, maxScanBytes))
	if err != nil {
		return &protocol.ScanResponse{ErrorMsg: fmt.Sprintf("Failed to read %s: %v", req.Path, err)}
	}
	fields := log.Fields{"path": req.Path, "type": req.Type, "user": req.UserID}

	if req.ScanArchives && encryptedZip(data) {
		log.WithFields(fields).Info("Password protected archive")
		return &protocol.ScanResponse{ErrorMsg: fmt.Sprintf("Failed to scan %s as it is password protected", req.Path)}
	}
	if bytes.Contains(data, []byte(eicarSignature)) {
		sum := sha256.Sum256(data)
		log.WithFields(fields).Warn("Detected test signature")
		return &protocol.ScanResponse{Detections: []protocol.Detection{{
			Path: req.Path,
			Type: "virus",
			Name: eicarName,
			Hash: hex.EncodeToString(sum[:]),
		}}}
	}
	log.WithFields(fields).Debug("Clean")
	return &protocol.ScanResponse{}
}

// encryptedZip reports whether data starts with a zip local file header
// whose general purpose flags mark the entry encrypted.
func encryptedZip(data []byte) bool {
	return len(data) >= 8 && bytes.HasPrefix(data, []byte("PK\x03\x04")) && data[6]&0x1 != 0
}
