package server

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fastjson"

	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/processor"
)

var parserPool = sync.Pool{
	New: func() interface{} {
		return &fastjson.Parser{}
	},
}

// IngestHandler decodes JSON-framed atoms off the event socket and feeds
// the processor. The wire decoder lives here, outside the core.
type IngestHandler struct {
	proc *processor.Processor

	requestsTotal    atomic.Uint64
	requestsAccepted atomic.Uint64
	requestsRejected atomic.Uint64
}

// NewIngestHandler creates the ingest adapter.
func NewIngestHandler(proc *processor.Processor) *IngestHandler {
	return &IngestHandler{proc: proc}
}

// Handle accepts POST /v1/events with a JSON array of atoms.
func (h *IngestHandler) Handle(ctx *fasthttp.RequestCtx) {
	h.requestsTotal.Add(1)

	if !ctx.IsPost() || string(ctx.Path()) != "/v1/events" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	parser := parserPool.Get().(*fastjson.Parser)
	defer parserPool.Put(parser)

	root, err := parser.ParseBytes(ctx.PostBody())
	if err != nil {
		h.requestsRejected.Add(1)
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString(`{"error":"malformed payload"}`)
		return
	}

	atoms, err := root.Array()
	if err != nil {
		atoms = []*fastjson.Value{root}
	}
	accepted := 0
	for _, v := range atoms {
		e := decodeEvent(v)
		if e == nil {
			h.requestsRejected.Add(1)
			continue
		}
		h.proc.OnLogEvent(e)
		accepted++
	}
	h.requestsAccepted.Add(uint64(accepted))

	ctx.SetStatusCode(fasthttp.StatusAccepted)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"accepted":` + itoa(accepted) + `}`)
}

// decodeEvent maps one JSON atom onto the event value model. Unknown field
// types invalidate the event rather than drop it, so the engine can count
// the error.
func decodeEvent(v *fastjson.Value) *event.Event {
	tag := v.GetInt("tag")
	if tag == 0 {
		return nil
	}
	e := &event.Event{
		TagID:      int32(tag),
		ElapsedNs:  v.GetInt64("elapsed_ns"),
		WallNs:     v.GetInt64("wall_ns"),
		UID:        int32(v.GetInt("uid")),
		PID:        int32(v.GetInt("pid")),
		Valid:      true,
		Restricted: v.GetBool("restricted"),
	}
	for _, fv := range v.GetArray("fields") {
		f := event.Field{IsUid: fv.GetBool("is_uid")}
		switch string(fv.GetStringBytes("type")) {
		case "int32":
			f.Value = event.Int32Value(int32(fv.GetInt("value")))
		case "int64":
			f.Value = event.Int64Value(fv.GetInt64("value"))
		case "float":
			f.Value = event.FloatValue(fv.GetFloat64("value"))
		case "bool":
			f.Value = event.BoolValue(fv.GetBool("value"))
		case "string":
			f.Value = event.StringValue(string(fv.GetStringBytes("value")))
		case "blob":
			f.Value = event.BlobValue(append([]byte(nil), fv.GetStringBytes("value")...))
		default:
			e.Valid = false
		}
		e.Fields = append(e.Fields, f)
	}
	if chain := v.Get("attribution"); chain != nil {
		e.Attribution = &event.AttributionRange{
			First: chain.GetInt("first"),
			Last:  chain.GetInt("last"),
		}
	}
	return e
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
