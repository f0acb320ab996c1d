package iso7816

import (
	"context"
	"fmt"
)

// ReadChunkSize is the largest READ BINARY answer requested in short-length mode.
const ReadChunkSize = MaxShortLe

// ReadBinaryChunked reads up to maxLength bytes from a transparent EF with
// successive READ BINARY commands.
//
// When sfi is non-zero the first command addresses the EF by short identifier,
// otherwise the currently selected EF is read. The loop ends when:
//   - a chunk is shorter than requested (end of file),
//   - maxLength bytes have been read,
//   - the card answers with a non-success status. This is only an error when
//     nothing has been read yet; a later failure marks the end of the file.
//
// Wrong-length answers (6CXX) are corrected by the Client.
func ReadBinaryChunked(ctx context.Context, c *Client, cla Class, sfi byte, maxLength int) ([]byte, error) {
	var out []byte
	offset := 0

	for offset < maxLength {
		want := min(ReadChunkSize, maxLength-offset)

		var cmd *CommandAPDU
		if offset == 0 && sfi != 0 {
			cmd = ReadBinarySFI(cla, sfi, want)
		} else {
			cmd = ReadBinary(cla, offset, want)
		}

		resp, err := c.Exchange(ctx, cmd)
		if err != nil {
			return out, err
		}

		if !resp.Status.IsSuccess() {
			// 6282: end of file reached before Le bytes, data is still valid.
			if resp.Status == SW_WARN_EOF_REACHED {
				out = append(out, resp.Data...)
				break
			}
			if len(out) == 0 {
				return nil, &StatusError{Op: fmt.Sprintf("read binary at %d", offset), SW: resp.Status}
			}
			break
		}

		out = append(out, resp.Data...)
		if len(resp.Data) < want {
			break
		}
		offset += len(resp.Data)
	}

	return out, nil
}
