package rpcclient

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// cookieRecheckInterval is the minimum time between two reads of the
// authentication cookie file.
const cookieRecheckInterval = 30 * time.Second

// cookieState caches the credentials read from a cookie file.  The file is
// looked at again at most every cookieRecheckInterval and only re-read when
// its modification time changed, so a restarted authority writing a fresh
// cookie is picked up without a restart of the miner.
type cookieState struct {
	mtx       sync.Mutex
	checkedAt time.Time
	modTime   time.Time
	user      string
	pass      string
	err       error
}

// load returns the cached credentials, refreshing them from path when due.
func (c *cookieState) load(path string, now time.Time) (string, string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !c.checkedAt.IsZero() && now.Before(c.checkedAt.Add(cookieRecheckInterval)) {
		return c.user, c.pass, c.err
	}
	c.checkedAt = now

	st, err := os.Stat(path)
	if err != nil {
		c.err = err
		return c.user, c.pass, c.err
	}
	if !st.ModTime().Equal(c.modTime) {
		c.modTime = st.ModTime()
		c.user, c.pass, c.err = readCookieFile(path)
	}
	return c.user, c.pass, c.err
}

// getAuth returns the username and passphrase that will actually be used for
// this connection.  Configured credentials win over the cookie file.
func (config *ConnConfig) getAuth() (username, passphrase string, err error) {
	if config.Pass != "" || config.CookiePath == "" {
		return config.User, config.Pass, nil
	}
	return config.cookie.load(config.CookiePath, time.Now())
}

// readCookieFile reads the user and passphrase from a cookie file written by
// the RPC server, which holds a single user:passphrase line.
func readCookieFile(path string) (username, password string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan()
	err = scanner.Err()
	if err != nil {
		return
	}
	s := scanner.Text()

	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		err = fmt.Errorf("malformed cookie file")
		return
	}

	username, password = parts[0], parts[1]
	return
}
