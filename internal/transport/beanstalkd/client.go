package beanstalkd

import (
	"errors"
	"sync"
	"time"

	"github.com/beanstalkd/go-beanstalk"
)

// Job is a reserved beanstalkd job.
type Job struct {
	ID   uint64
	Body []byte
}

// Client is the subset of the beanstalkd protocol the connection needs.
// Reserve returns a nil job when the timeout elapses without a job.
type Client interface {
	Put(tube string, body []byte, priority uint32, delay, ttr time.Duration) (uint64, error)
	Reserve(tube string, timeout time.Duration) (*Job, error)
	Delete(id uint64) error
	Bury(id uint64, priority uint32) error
	Touch(id uint64) error
	TubeStats(tube string) (map[string]string, error)
	JobStats(id uint64) (map[string]string, error)
	Close() error
}

// Dial opens a protocol connection to addr.
func Dial(addr string) (Client, error) {
	conn, err := beanstalk.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &beanstalkClient{conn: conn}, nil
}

// beanstalkClient adapts *beanstalk.Conn. The protocol keeps the used and
// watched tube as connection state, so calls are serialized.
type beanstalkClient struct {
	mu   sync.Mutex
	conn *beanstalk.Conn
}

func (c *beanstalkClient) Put(tube string, body []byte, priority uint32, delay, ttr time.Duration) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &beanstalk.Tube{Conn: c.conn, Name: tube}
	return t.Put(body, priority, delay, ttr)
}

func (c *beanstalkClient) Reserve(tube string, timeout time.Duration) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := beanstalk.NewTubeSet(c.conn, tube)
	id, body, err := ts.Reserve(timeout)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	return &Job{ID: id, Body: body}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, beanstalk.ErrTimeout) {
		return true
	}
	var ce beanstalk.ConnError
	return errors.As(err, &ce) && ce.Err == beanstalk.ErrTimeout
}

func (c *beanstalkClient) Delete(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Delete(id)
}

func (c *beanstalkClient) Bury(id uint64, priority uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Bury(id, priority)
}

func (c *beanstalkClient) Touch(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Touch(id)
}

func (c *beanstalkClient) TubeStats(tube string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &beanstalk.Tube{Conn: c.conn, Name: tube}
	return t.Stats()
}

func (c *beanstalkClient) JobStats(id uint64) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.StatsJob(id)
}

func (c *beanstalkClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
