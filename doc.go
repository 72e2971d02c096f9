// Package webstreamer turns a live, push-based stream of image frames into
// frames ready for continuous HTTP delivery to independent viewers.
//
// # Overview
//
// Each viewer gets its own Session. A session subscribes to one upstream
// topic, decodes every accepted frame into a packed 8-bit RGB buffer, applies
// the requested transforms and writes the result to its Sink. The latest
// finished frame stays cached so a stalled source never stalls the viewer:
//
//	opts := webstreamer.ParseOptions(r.URL.Query())
//	s, err := webstreamer.New(webstreamer.Config{
//	    Options: opts,
//	    Source:  src,
//	    Sink:    transport.NewMJPEGSink(w, r, 90),
//	})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	s.Start(ctx)
//
//	ticker := time.NewTicker(100 * time.Millisecond)
//	for {
//	    select {
//	    case <-ticker.C:
//	        s.RestreamFrame(time.Second)
//	    case <-s.Done():
//	        return s.Err()
//	    }
//	}
//
// # Liveness
//
// A session is Active once its topic was found and becomes Inactive, for
// good, on the first write or processing failure. An absent topic leaves it
// Inactive from the start. Done is closed on that transition and Err reports
// the cause with an ErrorKind.
//
// # Rate limiting
//
// Options.Skip forwards one of every Skip+1 frames; skipped frames are never
// decoded.
//
// # Staleness
//
// RestreamFrame resends the cached frame, stamped with the current time,
// when nothing was ingested for longer than maxAge. The caller owns the
// ticker.
package webstreamer
