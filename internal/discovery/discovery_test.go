package discovery

import (
	"os"
	"testing"

	"github.com/ehrlich-b/vitrine/internal/config"
)

func testRecord(port int) *Record {
	return &Record{
		PID:       os.Getpid(),
		Port:      port,
		Host:      "127.0.0.1",
		URL:       "http://vitrine.localhost:7741",
		SessionID: NewSessionID(),
		Token:     NewToken(),
		StartedAt: "2025-06-01T12:00:00.000000Z",
	}
}

func TestRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := testRecord(7741)
	if err := WriteRecord(dir, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadRecord(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if *got != *want {
		t.Errorf("record = %+v, want %+v", got, want)
	}
}

func TestReadRecordMalformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.PIDFilePath(dir), []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadRecord(dir); err == nil {
		t.Error("malformed pid file parsed")
	}

	if err := os.WriteFile(config.PIDFilePath(dir), []byte(`{"pid":0}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadRecord(dir); err == nil {
		t.Error("incomplete pid file accepted")
	}
}

func TestRemoveRecordIfOwned(t *testing.T) {
	dir := t.TempDir()

	// Owned: removed.
	if err := WriteRecord(dir, testRecord(7741)); err != nil {
		t.Fatalf("write: %v", err)
	}
	RemoveRecordIfOwned(dir)
	if _, err := os.Stat(config.PIDFilePath(dir)); !os.IsNotExist(err) {
		t.Error("owned pid file not removed")
	}

	// Foreign pid: left in place.
	foreign := testRecord(7741)
	foreign.PID = os.Getpid() + 54321
	if err := WriteRecord(dir, foreign); err != nil {
		t.Fatalf("write: %v", err)
	}
	RemoveRecordIfOwned(dir)
	if _, err := os.Stat(config.PIDFilePath(dir)); err != nil {
		t.Error("foreign pid file was removed")
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("own pid reported dead")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Error("invalid pid reported alive")
	}
}

func TestStartupLockExclusive(t *testing.T) {
	dir := t.TempDir()
	first, ok, err := AcquireStartupLock(dir)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	defer first.Release()

	// Second TryLock on the same file fails while held; this is the
	// process-level arm of the singleton race.
	_, ok, err = AcquireStartupLock(dir)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Error("second acquire succeeded while lock held")
	}

	first.Release()
	third, ok, err := AcquireStartupLock(dir)
	if err != nil || !ok {
		t.Fatalf("reacquire after release: ok=%v err=%v", ok, err)
	}
	third.Release()
}

func TestBindFirstFree(t *testing.T) {
	ln1, port1, err := BindFirstFree("127.0.0.1", 17741, 17750)
	if err != nil {
		t.Fatalf("first bind: %v", err)
	}
	defer ln1.Close()
	ln2, port2, err := BindFirstFree("127.0.0.1", 17741, 17750)
	if err != nil {
		t.Fatalf("second bind: %v", err)
	}
	defer ln2.Close()
	if port1 == port2 {
		t.Errorf("both binds picked port %d", port1)
	}
	if port2 != port1+1 {
		t.Errorf("second port = %d, want %d", port2, port1+1)
	}
}

func TestDiscoverStaleRecord(t *testing.T) {
	dir := t.TempDir()
	stale := testRecord(1) // nothing listens on port 1
	stale.PID = os.Getpid() + 54321
	if err := WriteRecord(dir, stale); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Discover(dir); err == nil {
		t.Fatal("stale record discovered as live")
	}
	if _, err := os.Stat(config.PIDFilePath(dir)); !os.IsNotExist(err) {
		t.Error("stale pid file not deleted")
	}
}

func TestSessionIDAndTokenShape(t *testing.T) {
	if got := NewSessionID(); len(got) != 12 {
		t.Errorf("session id length = %d, want 12", len(got))
	}
	if got := NewToken(); len(got) != 32 {
		t.Errorf("token length = %d, want 32", len(got))
	}
	if NewSessionID() == NewSessionID() {
		t.Error("session ids collide")
	}
}

func TestAPIURL(t *testing.T) {
	r := testRecord(7744)
	if got := r.APIURL(); got != "http://127.0.0.1:7744" {
		t.Errorf("api url = %q", got)
	}
}
