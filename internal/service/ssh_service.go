package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHService opens key-authenticated SSH connections to the upload host.
type SSHService struct {
	host       string
	port       int
	username   string
	keyFile    string
	knownHosts string
	timeout    time.Duration
}

func NewSSHService(host string, port int, username, keyFile, knownHosts string, timeout time.Duration) *SSHService {
	return &SSHService{
		host:       host,
		port:       port,
		username:   username,
		keyFile:    keyFile,
		knownHosts: knownHosts,
		timeout:    timeout,
	}
}

func (s *SSHService) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func (s *SSHService) Dial(ctx context.Context) (*ssh.Client, error) {
	privateKey, err := os.ReadFile(s.keyFile)
	if err != nil {
		return nil, fmt.Errorf("err reading key file: %+w", err)
	}
	auth, err := s.getAuth(privateKey)
	if err != nil {
		return nil, err
	}
	config, err := s.getConfig(s.username, auth, s.timeout)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.Addr())
	if err != nil {
		return nil, fmt.Errorf("err connecting to %s: %+w", s.Addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.Addr(), config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("err opening ssh connection: %+w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SSHService) getAuth(privateKey []byte) (ssh.AuthMethod, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	auth := ssh.PublicKeys(signer)
	return auth, nil
}

func (s *SSHService) getConfig(
	username string,
	auth ssh.AuthMethod,
	timeout time.Duration,
) (*ssh.ClientConfig, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if s.knownHosts != "" {
		cb, err := knownhosts.New(s.knownHosts)
		if err != nil {
			return nil, fmt.Errorf("err reading known hosts: %+w", err)
		}
		hostKeyCallback = cb
	}
	return &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}
