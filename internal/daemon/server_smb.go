package daemon

import (
	smb2 "github.com/macos-fuse-t/go-smb2/server"
	"github.com/macos-fuse-t/go-smb2/vfs"

	sharefs "repofs/internal/vfs"
)

// SMBServer wraps the go-smb2 server
type SMBServer struct {
	server *smb2.Server
}

// NewSMBServer creates an SMB server exporting every share filesystem
// under its share name.
func NewSMBServer(shares map[string]*sharefs.ShareFS) *SMBServer {
	smbCfg := &smb2.ServerConfig{
		AllowGuest:  true,
		MaxIOReads:  4,
		MaxIOWrites: 4,
	}

	exports := make(map[string]vfs.VFSFileSystem, len(shares))
	for name, fs := range shares {
		exports[name] = fs
	}

	auth := &smb2.NTLMAuthenticator{
		NbDomain:   "WORKGROUP",
		NbName:     "REPOFS",
		DnsName:    "repofs.local",
		DnsDomain:  ".local",
		AllowGuest: true,
	}

	return &SMBServer{
		server: smb2.NewServer(smbCfg, auth, exports),
	}
}

// Serve starts the SMB server
func (s *SMBServer) Serve(addr string) error {
	return s.server.Serve(addr)
}

// Shutdown stops the SMB server
func (s *SMBServer) Shutdown() {
	s.server.Shutdown()
}
