package layout

import (
	"os"

	"github.com/pkg/errors"
)

// WriteIndex emits a fresh index file holding the four channel buffers, laid
// out with the default page size and stripe vector. The whole image is
// assembled in memory then written once.
func WriteIndex(path string, channels [NumChannels][]byte) error {
	h := Header{}
	totalPPS := 0
	for c := 0; c < NumChannels; c++ {
		h.Channels[c] = ChannelInfo{
			PagesPerStripe: DefaultPagesPerStripe[c],
			SizeBytes:      uint32(len(channels[c])),
		}
		totalPPS += int(DefaultPagesPerStripe[c])
	}

	// smallest stripe count that gives every channel enough pages
	stripes := 0
	for c := 0; c < NumChannels; c++ {
		pages := ceilDiv(len(channels[c]), DefaultPageSize)
		need := ceilDiv(pages, int(DefaultPagesPerStripe[c]))
		if need > stripes {
			stripes = need
		}
	}
	if stripes == 0 {
		stripes = 1
	}

	fileSize := (1 + stripes*totalPPS) * DefaultPageSize
	img := make([]byte, fileSize)
	copy(img, h.Encode())

	scratch := Layout{Header: h, PageSize: DefaultPageSize, Stripes: stripes, totalPPS: totalPPS}
	for c := 1; c < NumChannels; c++ {
		scratch.prefix[c] = scratch.prefix[c-1] + int(DefaultPagesPerStripe[c-1])
	}
	for c := 0; c < NumChannels; c++ {
		for _, seg := range scratch.Segments(c, 0, channels[c]) {
			copy(img[seg.FileOff:], seg.Data)
		}
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := fd.Write(img); err != nil {
		_ = fd.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		return err
	}
	return fd.Close()
}
