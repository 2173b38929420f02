package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-dtls/internal/config"
	"github.com/dalbodeule/hop-dtls/internal/dtls"
	"github.com/dalbodeule/hop-dtls/internal/logging"
)

type clientFlags struct {
	configPath  string
	serverAddr  string
	identity    string
	psk         string
	bindPort    int
	sessionFile string
	resume      bool
	logLevel    string
	timeout     time.Duration
	count       int
}

func main() {
	var flags clientFlags

	root := &cobra.Command{
		Use:          "hop-dtls-client [message...]",
		Short:        "Send datagrams to a DTLS server and print the replies",
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, args)
		},
	}
	root.Flags().StringVarP(&flags.configPath, "config", "c", "", "TOML config file")
	root.Flags().StringVar(&flags.serverAddr, "server-addr", "", "DTLS server address (host:port)")
	root.Flags().StringVar(&flags.identity, "identity", "", "PSK identity")
	root.Flags().StringVar(&flags.psk, "psk", "", "PSK (hex)")
	root.Flags().IntVar(&flags.bindPort, "bind-port", 0, "local UDP port (0 = random)")
	root.Flags().StringVar(&flags.sessionFile, "session-file", "", "file to save the session to after sending")
	root.Flags().BoolVar(&flags.resume, "resume", false, "resume the session from --session-file instead of handshaking (use the same --bind-port)")
	root.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.Flags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "reply wait timeout")
	root.Flags().IntVar(&flags.count, "count", 1, "number of times to send each message")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, flags clientFlags, args []string) error {
	// 1. 설정 로드, CLI 인자가 env/파일보다 우선
	cfg, err := config.LoadClientConfig(flags.configPath)
	if err != nil {
		return err
	}
	if flags.serverAddr != "" {
		cfg.ServerAddr = flags.serverAddr
	}
	if flags.identity != "" {
		cfg.Identity = flags.identity
	}
	if flags.psk != "" {
		cfg.PSK = flags.psk
	}
	if cmd.Flags().Changed("bind-port") {
		cfg.BindPort = flags.bindPort
	}
	if flags.sessionFile != "" {
		cfg.SessionFile = flags.sessionFile
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if flags.resume && cfg.SessionFile == "" {
		return fmt.Errorf("%w: --resume requires a session file", config.ErrInvalid)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.NewJSONLogger("client", level)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	dcfg, err := cfg.BuildDTLS(logger)
	if err != nil {
		return err
	}
	dest, err := dtls.ResolveUDPAddr(cfg.ServerAddr)
	if err != nil {
		return err
	}

	logger.Info("hop-dtls client starting", logging.Fields{
		"server_addr": cfg.ServerAddr,
		"mode":        cfg.Mode,
		"identity":    cfg.Identity,
		"psk_masked":  dtls.MaskKey(cfg.PSK),
		"resume":      flags.resume,
	})

	// 2. 세션 수립 (핸드셰이크 또는 저장된 세션 재개)
	opts := dtls.TransmitterOptions{BindPort: cfg.BindPort, Logger: logger}
	var tr *dtls.Transmitter
	if flags.resume {
		saved, err := os.ReadFile(cfg.SessionFile)
		if err != nil {
			return fmt.Errorf("read session file: %w", err)
		}
		tr, err = dtls.Create(dest, saved, dcfg, opts)
		if err != nil {
			return err
		}
	} else {
		wait := dcfg.HandshakeTimeout
		if wait <= 0 {
			wait = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), wait+time.Second)
		tr, err = dtls.Connect(ctx, dest, dcfg, opts)
		cancel()
		if err != nil {
			return err
		}
	}
	defer tr.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "cipher suite: %s\n", tr.CipherSuite())
	if cid := tr.PeerCID(); cid != nil {
		fmt.Fprintf(out, "peer cid:     %s\n", hex.EncodeToString(cid))
	}

	// 3. 메시지 송수신
	for i := 0; i < flags.count; i++ {
		for _, msg := range args {
			if err := tr.SendString(msg); err != nil {
				return err
			}
			if err := tr.SetReadDeadline(time.Now().Add(flags.timeout)); err != nil {
				return err
			}
			reply, err := tr.ReceiveString()
			if err != nil {
				if errors.Is(err, dtls.ErrDecrypt) {
					logger.Warn("dropped undecryptable datagram", logging.Fields{"error": err.Error()})
					continue
				}
				return err
			}
			fmt.Fprintln(out, reply)
		}
	}

	// 4. 세션 저장 (다음 실행에서 --resume 으로 재사용)
	if cfg.SessionFile != "" {
		saved, err := tr.SaveSession()
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfg.SessionFile, saved, 0o600); err != nil {
			return fmt.Errorf("write session file: %w", err)
		}
		logger.Info("session saved", logging.Fields{"path": cfg.SessionFile})
	}
	return nil
}
