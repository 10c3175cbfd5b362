package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-mesh/internal/signal"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

var codecCmd = &cobra.Command{
	Use:   "codec",
	Short: "encode or decode connection codes",
}

var codecDecodeCmd = &cobra.Command{
	Use:   "decode code",
	Short: "print the session description inside a connection code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, err := signal.Decode(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "type: %s\n\n%s", desc.Type, desc.SDP)
		return nil
	},
}

var codecAnswer bool

var codecEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "read a session description from stdin and print its connection code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sdp, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		desc := transport.Description{Type: transport.SDPOffer, SDP: normalizeSDP(string(sdp))}
		if codecAnswer {
			desc.Type = transport.SDPAnswer
		}

		code, err := signal.Encode(desc)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), code)
		return nil
	},
}

// normalizeSDP restores CRLF line endings that editors and shells drop.
func normalizeSDP(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimRight(s, "\n")
	return strings.ReplaceAll(s, "\n", "\r\n") + "\r\n"
}

func init() {
	codecEncodeCmd.Flags().BoolVar(&codecAnswer, "answer", false, "encode an answer instead of an offer")
	codecCmd.AddCommand(codecDecodeCmd)
	codecCmd.AddCommand(codecEncodeCmd)
}
