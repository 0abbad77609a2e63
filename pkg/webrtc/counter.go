package webrtc

import (
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
)

// Counter is an interceptor which counts RTP bytes by direction and media kind.
type Counter struct {
	interceptor.NoOp
	bytes *prometheus.CounterVec
}

func NewCounter(reg prometheus.Registerer, namespace string) (*Counter, error) {
	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rtp_bytes_total",
		Help:      "RTP payload bytes by direction and media kind.",
	}, []string{"direction", "kind"})
	if reg != nil {
		if err := reg.Register(bytes); err != nil {
			return nil, err
		}
	}
	return &Counter{bytes: bytes}, nil
}

func (c *Counter) NewInterceptor(_ string) (interceptor.Interceptor, error) { return c, nil }

func kindOf(mime string) string {
	kind, _, _ := strings.Cut(mime, "/")
	return kind
}

func (c *Counter) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	out := c.bytes.WithLabelValues("out", kindOf(info.MimeType))
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		out.Add(float64(len(payload)))
		return writer.Write(header, payload, attributes)
	})
}

func (c *Counter) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	in := c.bytes.WithLabelValues("in", kindOf(info.MimeType))
	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err == nil {
			in.Add(float64(n))
		}
		return n, attr, err
	})
}
