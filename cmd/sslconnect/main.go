// sslconnect opens an SSL channel and performs one request/response
// round, driving the non blocking handshake the way a reactor would.
//
// Usage:
//
//   sslconnect -address address:port [flags]
//
//   sslconnect -help
//
// Examples:
//
//   ./sslconnect -address example.com:443
//   ./sslconnect -address 127.0.0.1:4433 -insecure
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/m-lab/go/rtx"
	"github.com/sslx/sslx"
	"github.com/sslx/sslx/dnsx"
	"github.com/sslx/sslx/handlers/logger"
	"github.com/sslx/sslx/keystore/pemstore"
	"github.com/sslx/sslx/model"
)

var (
	flagAddress  = flag.String("address", "example.com:443", "Address to connect to")
	flagAccept   = flag.Bool("accept-untrusted", false, "Accept peers that fail trust evaluation")
	flagCert     = flag.String("cert", "", "Common name of the client identity to use")
	flagDNS      = flag.String("dns", "8.8.8.8:53", "DNS server used to resolve hostnames")
	flagHelp     = flag.Bool("help", false, "Print usage")
	flagInsecure = flag.Bool("insecure", false, "Skip peer trust verification")
	flagKeystore = flag.String("keystore", "", "Directory containing PEM identities")
)

func main() {
	flag.Parse()
	if *flagHelp {
		flag.CommandLine.SetOutput(os.Stdout)
		fmt.Printf("Usage: sslconnect [flags]\n")
		flag.PrintDefaults()
		return
	}
	log.SetHandler(cli.Default)
	log.SetLevel(log.DebugLevel)
	host, portstr, err := net.SplitHostPort(*flagAddress)
	rtx.Must(err, "cannot parse -address")
	port, err := strconv.Atoi(portstr)
	rtx.Must(err, "cannot parse port")
	ip := resolve(host)
	dialer := sslx.NewDialer()
	dialer.Handler = logger.NewHandler(log.Log)
	if *flagKeystore != "" {
		dialer.Keystore = pemstore.New(*flagKeystore)
	}
	if *flagAccept {
		dialer.TrustPrompt = func(trust model.Trust) model.TrustDecision {
			log.Warnf("accepting untrusted peer with %d certificates",
				len(trust.PeerCertificates()))
			return model.DecisionAccept
		}
	}
	ch, err := dialer.ConnectSSL(
		ip, port, host, nil, *flagCert, "", "", "", !*flagInsecure,
	)
	rtx.Must(err, "ConnectSSL failed")
	defer ch.Free()
	handshake(ch)
	request := "HEAD / HTTP/1.0\r\nHost: " + host + "\r\n\r\n"
	write(ch, []byte(request))
	read(ch)
}

func resolve(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	resolver := dnsx.New(*flagDNS)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addrs, err := resolver.LookupHost(ctx, host)
	rtx.Must(err, "cannot resolve %s", host)
	return addrs[0]
}

// handshake drives the handshake loop. A real reactor would suspend
// until the socket becomes ready instead of sleeping.
func handshake(ch model.SecureChannel) {
	for {
		switch status := ch.Handshake(); status {
		case model.HandshakeAgain:
			time.Sleep(10 * time.Millisecond)
		case model.HandshakeDone:
			return
		case model.HandshakeRejected:
			log.Fatalf("handshake rejected by trust evaluation")
		default:
			log.Fatalf("handshake failed")
		}
	}
}

func write(ch model.SecureChannel, data []byte) {
	for len(data) > 0 {
		n, err := ch.Write(data)
		data = data[n:]
		if err == model.ErrAgain {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		rtx.Must(err, "Write failed")
	}
}

func read(ch model.SecureChannel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			fmt.Printf("%s", string(buf[:n]))
		}
		if err == model.ErrAgain {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err != nil {
			return
		}
	}
}
