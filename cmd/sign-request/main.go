// Command sign-request produces the X-Signature header for a signed exchange node.
//
//	sign-request -key <hex> -body order.json              # submit: signs the exact body bytes
//	sign-request -key <hex> -cancel <order id>            # cancel
//	sign-request -key <hex> -trade <id> -status PAYMENT_SENT
//	sign-request -key <hex> -release <hold id>            # or -refund <hold id>
//
// Without -key a fresh key pair is generated and printed.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/uhyunpark/p2pex/pkg/crypto"
)

type options struct {
	bodyPath string
	cancelID string
	tradeID  string
	status   string
	release  string
	refund   string
}

func main() {
	var opts options
	keyHex := flag.String("key", os.Getenv("SIGNER_KEY"), "hex private key (default $SIGNER_KEY)")
	flag.StringVar(&opts.bodyPath, "body", "", "file holding the submit request body, - for stdin")
	flag.StringVar(&opts.cancelID, "cancel", "", "order id to cancel")
	flag.StringVar(&opts.tradeID, "trade", "", "trade id to move, with -status")
	flag.StringVar(&opts.status, "status", "", "target trade status")
	flag.StringVar(&opts.release, "release", "", "escrow hold id to release")
	flag.StringVar(&opts.refund, "refund", "", "escrow hold id to refund")
	flag.Parse()

	if err := run(*keyHex, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(keyHex string, opts options, out io.Writer) error {
	message, err := opts.message()
	if err != nil {
		return err
	}

	var signer *crypto.Signer
	if keyHex == "" {
		if signer, err = crypto.GenerateKey(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	} else if signer, err = crypto.FromPrivateKeyHex(keyHex); err != nil {
		return err
	}
	fmt.Fprintf(out, "Owner: %s\n", signer.Address().Hex())
	if message == nil {
		return nil
	}

	sig, err := signer.SignMessageHex(message)
	if err != nil {
		return err
	}

	// Self-check before handing the signature out
	if err := crypto.VerifyOwner(signer.Address().Hex(), message, sig); err != nil {
		return fmt.Errorf("signature does not verify: %w", err)
	}
	fmt.Fprintf(out, "X-Signature: %s\n", sig)
	return nil
}

// message picks the bytes to sign. Exactly one mode may be set; none means key only.
func (o options) message() ([]byte, error) {
	modes := 0
	for _, set := range []bool{o.bodyPath != "", o.cancelID != "", o.tradeID != "", o.release != "", o.refund != ""} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return nil, errors.New("use only one of -body, -cancel, -trade, -release, -refund")
	}

	switch {
	case o.cancelID != "":
		return crypto.CancelMessage(o.cancelID), nil
	case o.tradeID != "":
		if o.status == "" {
			return nil, errors.New("-trade needs -status")
		}
		return crypto.TradeStatusMessage(o.tradeID, strings.ToUpper(o.status)), nil
	case o.release != "":
		return crypto.EscrowMessage("release", o.release), nil
	case o.refund != "":
		return crypto.EscrowMessage("refund", o.refund), nil
	case o.bodyPath == "-":
		return io.ReadAll(os.Stdin)
	case o.bodyPath != "":
		return os.ReadFile(o.bodyPath)
	}
	return nil, nil
}
