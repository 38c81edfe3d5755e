package imapclient

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mailsync/moxio"
)

// testHandler records the calls it gets, in order.
type testHandler struct {
	events     []string
	failed     []error
	onUntagged func(p *Pipeline, line string) (bool, error)
}

func (h *testHandler) Untagged(p *Pipeline, line string) (bool, error) {
	if h.onUntagged != nil {
		return h.onUntagged(p, line)
	}
	h.events = append(h.events, "untagged "+strings.TrimSuffix(line, "\r\n"))
	return true, nil
}

func (h *testHandler) Continuation(p *Pipeline, text string) error {
	h.events = append(h.events, "continuation "+text)
	return nil
}

func (h *testHandler) Result(p *Pipeline, tag string, result Result) {
	h.events = append(h.events, "result "+tag+" "+string(result.Status)+" "+result.Text)
}

func (h *testHandler) Failed(err error) {
	h.failed = append(h.failed, err)
}

func TestPipeline(t *testing.T) {
	c := startTestConn(t, "* OK hi", func(s *testServer) {
		s.expect("~A1 NOOP")
		s.writelines("* 1 EXISTS", "* 0 RECENT", "~A1 OK done")
	})
	h := &testHandler{}
	tag, err := c.SendRequest("NOOP", h, time.Second)
	tcheckf(t, err, "send request")
	tcompare(t, tag, "~A1")
	tcompare(t, c.Pending(), 1)
	err = c.Run()
	tcheckf(t, err, "run")
	tcompare(t, h.events, []string{"untagged * 1 EXISTS", "untagged * 0 RECENT", "result ~A1 OK done"})
	tcompare(t, c.Pending(), 0)
	tcompare(t, c.Run(), ErrIdle)
}

func TestPipelineMultiple(t *testing.T) {
	c := startTestConn(t, "* OK hi", func(s *testServer) {
		s.expect("~A1 IDLE")
		s.expect("~A2 UID SEARCH ALL")
		s.expect("~A3 NOOP")
		s.writelines(
			"+ idling",
			"* SEARCH 1 2",
			"~A3 OK noop done",
			"~A2 OK search done",
			"* 3 FLAGS (\\Seen)",
			"~A1 OK idle done",
		)
	})

	var unsolicited []string
	c.Unsolicited = func(p *Pipeline, line string) error {
		unsolicited = append(unsolicited, strings.TrimSuffix(line, "\r\n"))
		return nil
	}
	decline := func(p *Pipeline, line string) (bool, error) { return false, nil }
	h1 := &testHandler{onUntagged: decline}
	h2 := &testHandler{}
	h3 := &testHandler{onUntagged: decline}
	var tags []string
	for _, x := range []struct {
		cmd string
		h   *testHandler
	}{{"IDLE", h1}, {"UID SEARCH ALL", h2}, {"NOOP", h3}} {
		tag, err := c.SendRequest(x.cmd, x.h, time.Second)
		tcheckf(t, err, "send request")
		tags = append(tags, tag)
	}
	tcompare(t, tags, []string{"~A1", "~A2", "~A3"})

	err := c.Run()
	tcheckf(t, err, "run")
	tcompare(t, h1.events, []string{"continuation idling", "result ~A1 OK idle done"})
	tcompare(t, h2.events, []string{"untagged * SEARCH 1 2", "result ~A2 OK search done"})
	tcompare(t, h3.events, []string{"result ~A3 OK noop done"})
	tcompare(t, unsolicited, []string{`* 3 FLAGS (\Seen)`})
}

func TestPipelineClaim(t *testing.T) {
	c := startTestConn(t, "* OK hi", func(s *testServer) {
		s.expect("~A1 NOOP")
		s.writelines("* X first", "claimed line", "~A1 OK done")
	})
	var claimed string
	var claimErr error
	h := &testHandler{}
	h.onUntagged = func(p *Pipeline, line string) (bool, error) {
		err := p.RequestLine(func(line string) error {
			claimed = line
			return nil
		})
		if err != nil {
			return false, err
		}
		claimErr = p.RequestLine(func(line string) error { return nil })
		return true, nil
	}
	_, err := c.SendRequest("NOOP", h, time.Second)
	tcheckf(t, err, "send request")
	err = c.Run()
	tcheckf(t, err, "run")
	tcompare(t, claimErr, ErrClaimed)
	tcompare(t, claimed, "claimed line\r\n")
	tcompare(t, h.events, []string{"result ~A1 OK done"})
}

func TestPipelineLiteral(t *testing.T) {
	c := startTestConn(t, "* OK hi", func(s *testServer) {
		s.expect("~A1 UID FETCH 1 (UID BODY[])")
		s.write("* 1 FETCH (UID 1 BODY[] {11}\r\nhello\r\nbye!)\r\n")
		s.writelines("~A1 OK done")
	})
	var fetches []UntaggedFetch
	h := &testHandler{}
	h.onUntagged = func(p *Pipeline, line string) (bool, error) {
		return true, p.ReadResponse(line, func(resp string) error {
			ut, err := ParseUntagged(resp)
			if err != nil {
				return err
			}
			fetches = append(fetches, ut.(UntaggedFetch))
			return nil
		})
	}
	_, err := c.SendRequest("UID FETCH 1 (UID BODY[])", h, time.Second)
	tcheckf(t, err, "send request")
	err = c.Run()
	tcheckf(t, err, "run")
	tcompare(t, fetches, []UntaggedFetch{{1, []FetchAttr{FetchUID(1), FetchBody{"BODY[]", "", 0, "hello\r\nbye!"}}}})
}

func TestPipelineUnconsumedLiteral(t *testing.T) {
	c := startTestConn(t, "* OK hi", func(s *testServer) {
		s.expect("~A1 NOOP")
		s.write("* 1 FETCH (BODY[] {5}\r\nhello)\r\n")
		s.waitClose()
	})
	h := &testHandler{}
	_, err := c.SendRequest("NOOP", h, time.Second)
	tcheckf(t, err, "send request")
	err = c.Run()
	var xerr Error
	if !errors.As(err, &xerr) {
		t.Fatalf("got %v, expected protocol error", err)
	}
	tcompare(t, len(h.failed), 1)
}

func TestPipelineTimeout(t *testing.T) {
	c := startTestConn(t, "* OK hi", func(s *testServer) {
		s.expect("~A1 NOOP")
		s.expect("~A2 NOOP")
		s.waitClose()
	})
	h1 := &testHandler{}
	h2 := &testHandler{}
	_, err := c.SendRequest("NOOP", h1, 20*time.Millisecond)
	tcheckf(t, err, "send request")
	_, err = c.SendRequest("NOOP", h2, 50*time.Millisecond)
	tcheckf(t, err, "send request")
	tcompare(t, c.timeout(), 50*time.Millisecond)

	t0 := time.Now()
	err = c.Run()
	if !moxio.IsTimeout(err) {
		t.Fatalf("got %v, expected timeout", err)
	}
	if d := time.Since(t0); d < 40*time.Millisecond {
		t.Fatalf("timeout after %s, expected maximum timeout of pending requests", d)
	}
	tcompare(t, len(h1.failed), 1)
	tcompare(t, len(h2.failed), 1)
	tcompare(t, c.Pending(), 0)
}

func TestPipelineNoTimeout(t *testing.T) {
	c := startTestConn(t, "* OK hi", func(s *testServer) {
		s.expect("~A1 NOOP")
		s.expect("~A2 IDLE")
		s.waitClose()
	})
	h := &testHandler{}
	_, err := c.SendRequest("NOOP", h, time.Second)
	tcheckf(t, err, "send request")
	_, err = c.SendRequest("IDLE", h, 0)
	tcheckf(t, err, "send request")
	tcompare(t, c.timeout(), time.Duration(0))
}

func TestPipelineFail(t *testing.T) {
	c := startTestConn(t, "* OK hi", func(s *testServer) {
		s.expect("~A1 NOOP")
		s.expect("~A2 NOOP")
		s.writelines("* 1 EXISTS")
	})
	h1 := &testHandler{}
	h2 := &testHandler{}
	_, err := c.SendRequest("NOOP", h1, time.Second)
	tcheckf(t, err, "send request")
	_, err = c.SendRequest("NOOP", h2, time.Second)
	tcheckf(t, err, "send request")
	err = c.Run()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, expected eof", err)
	}
	tcompare(t, h1.events, []string{"untagged * 1 EXISTS"})
	tcompare(t, h1.failed, []error{io.EOF})
	tcompare(t, h2.failed, []error{io.EOF})
	tcompare(t, c.Pending(), 0)
}

func TestPipelineUnknownTag(t *testing.T) {
	c := startTestConn(t, "* OK hi", func(s *testServer) {
		s.expect("~A1 NOOP")
		s.writelines("~A9 OK done")
		s.waitClose()
	})
	h := &testHandler{}
	_, err := c.SendRequest("NOOP", h, time.Second)
	tcheckf(t, err, "send request")
	err = c.Run()
	var xerr Error
	if !errors.As(err, &xerr) {
		t.Fatalf("got %v, expected protocol error", err)
	}
}
