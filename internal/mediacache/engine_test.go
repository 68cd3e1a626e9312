package mediacache

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JWIMaster/Neocord-sub000/internal/cache"
	"github.com/JWIMaster/Neocord-sub000/internal/fetcher"
	"github.com/JWIMaster/Neocord-sub000/internal/image_processor"
	"github.com/JWIMaster/Neocord-sub000/internal/media"
	"github.com/JWIMaster/Neocord-sub000/internal/pool"
)

const testBaseURL = "https://cdn.test"

// countingDisk records how often the wrapped tier is read. When gate is set,
// reads wait for it to close.
type countingDisk struct {
	cache.DiskTier
	reads atomic.Int32
	gate  chan struct{}
}

func (d *countingDisk) Read(ctx context.Context, key string) ([]byte, bool) {
	d.reads.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	return d.DiskTier.Read(ctx, key)
}

type fixture struct {
	engine *Engine
	queue  *pool.Queue
	disk   *countingDisk
	dir    string
	calls  atomic.Int32

	mu   sync.Mutex
	urls []string
}

// colourFor makes each content hash produce a distinct image.
func colourFor(url string) color.NRGBA {
	switch {
	case strings.Contains(url, "/abc."):
		return color.NRGBA{R: 220, G: 20, B: 20, A: 255}
	case strings.Contains(url, "/def."):
		return color.NRGBA{R: 20, G: 20, B: 220, A: 255}
	default:
		return color.NRGBA{R: 20, G: 200, B: 20, A: 255}
	}
}

func encodeSolid(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newFixture(t *testing.T, kind Kind, fetch func(ctx context.Context, url string) ([]byte, error)) *fixture {
	t.Helper()
	return newFixtureWith(t, kind, 4, fetch)
}

func newFixtureWith(t *testing.T, kind Kind, workers int, fetch func(ctx context.Context, url string) ([]byte, error)) *fixture {
	t.Helper()
	log := zap.NewNop()
	f := &fixture{dir: t.TempDir()}

	if fetch == nil {
		fetch = func(_ context.Context, url string) ([]byte, error) {
			return encodeSolid(t, colourFor(url)), nil
		}
	}

	queue, err := pool.NewQueue(workers, "test", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Drain(5 * time.Second) })
	f.queue = queue

	memory, err := cache.NewMemoryCache[media.Key, media.Entry](kind.Name, 16)
	require.NoError(t, err)
	disk, err := cache.NewDiskTier(cache.DiskOptions{Type: "file", Dir: f.dir}, kind.Name, log)
	require.NoError(t, err)
	f.disk = &countingDisk{DiskTier: disk}

	f.engine, err = NewEngine(Options{
		Kind:    kind,
		BaseURL: testBaseURL + "/",
		Memory:  memory,
		Disk:    f.disk,
		Fetcher: fetcher.Func(func(ctx context.Context, url string) ([]byte, error) {
			f.calls.Add(1)
			f.mu.Lock()
			f.urls = append(f.urls, url)
			f.mu.Unlock()
			return fetch(ctx, url)
		}),
		Processor: image_processor.New(image_processor.PNGEncoder{}, log),
		Queue:     queue,
	}, log)
	require.NoError(t, err)
	return f
}

func (f *fixture) get(t *testing.T, d media.Descriptor) media.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.engine.Get(ctx, d)
	require.NoError(t, err)
	return res
}

func (f *fixture) filePath(kind, name string) string {
	return filepath.Join(f.dir, kind, name)
}

func (f *fixture) waitForFile(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "expected %s to be written", path)
}

func requirePixelEqual(t *testing.T, want, got image.Image) {
	t.Helper()
	require.Equal(t, want.Bounds(), got.Bounds())
	b := want.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			w := color.NRGBAModel.Convert(want.At(x, y)).(color.NRGBA)
			g := color.NRGBAModel.Convert(got.At(x, y)).(color.NRGBA)
			if w.A == 0 {
				require.Zero(t, g.A, "pixel %d,%d", x, y)
				continue
			}
			require.Equal(t, w, g, "pixel %d,%d", x, y)
		}
	}
}

func TestEngine_ConcreteScenario(t *testing.T) {
	f := newFixture(t, Avatar, nil)
	abc := media.Descriptor{EntityID: "42", ContentHash: "abc"}

	first := f.get(t, abc)
	require.True(t, first.Found())
	require.NotNil(t, first.Accent)
	assert.Equal(t, media.SourceNetwork, first.Source)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, []string{testBaseURL + "/avatars/42/abc.png?size=128"}, f.urls)

	f.waitForFile(t, f.filePath("avatar", "42-abc.png"))

	readsBefore := f.disk.reads.Load()
	second := f.get(t, abc)
	assert.Equal(t, media.SourceMemory, second.Source)
	assert.Same(t, first.Image, second.Image)
	assert.Equal(t, *first.Accent, *second.Accent)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, readsBefore, f.disk.reads.Load(), "memory hit must not touch disk")

	def := f.get(t, media.Descriptor{EntityID: "42", ContentHash: "def"})
	require.True(t, def.Found())
	assert.Equal(t, media.SourceNetwork, def.Source)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.NotEqual(t, *first.Accent, *def.Accent)
}

func TestEngine_Idempotence(t *testing.T) {
	f := newFixture(t, Avatar, nil)
	d := media.Descriptor{EntityID: "7", ContentHash: "abc"}

	first := f.get(t, d)
	for i := 0; i < 5; i++ {
		res := f.get(t, d)
		assert.Same(t, first.Image, res.Image)
		assert.Equal(t, first.Accent, res.Accent)
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestEngine_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, Avatar, func(_ context.Context, url string) ([]byte, error) {
		<-gate
		return encodeSolid(t, colourFor(url)), nil
	})

	const n = 20
	d := media.Descriptor{EntityID: "42", ContentHash: "abc"}
	results := make(chan media.Result, n)
	for i := 0; i < n; i++ {
		go f.engine.Resolve(context.Background(), d, func(res media.Result) {
			results <- res
		})
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	close(gate)

	var first media.Result
	for i := 0; i < n; i++ {
		select {
		case res := <-results:
			require.True(t, res.Found())
			if i == 0 {
				first = res
				continue
			}
			assert.Same(t, first.Image, res.Image)
			assert.Equal(t, *first.Accent, *res.Accent)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d completions delivered", i, n)
		}
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestEngine_DiskRoundTrip(t *testing.T) {
	f := newFixture(t, Avatar, nil)
	d := media.Descriptor{EntityID: "42", ContentHash: "abc"}

	first := f.get(t, d)
	f.waitForFile(t, f.filePath("avatar", "42-abc.png"))

	f.engine.ClearMemory()

	again := f.get(t, d)
	require.True(t, again.Found())
	assert.Equal(t, media.SourceDisk, again.Source)
	assert.Equal(t, int32(1), f.calls.Load())
	requirePixelEqual(t, first.Image, again.Image)
	require.NotNil(t, again.Accent)
	assert.Equal(t, *first.Accent, *again.Accent)

	// Backfilled into memory.
	assert.Equal(t, media.SourceMemory, f.get(t, d).Source)
}

func TestEngine_MissWithoutAsset(t *testing.T) {
	f := newFixture(t, Avatar, nil)

	for _, d := range []media.Descriptor{
		{EntityID: "42"},
		{EntityID: "42", ContentHash: media.DefaultHash},
		{ContentHash: "abc"},
		{EntityID: "../42", ContentHash: "abc"},
	} {
		res := f.get(t, d)
		assert.False(t, res.Found())
		assert.Equal(t, media.SourceNone, res.Source)
		assert.Nil(t, res.Accent)
	}
	assert.Zero(t, f.calls.Load())
	assert.Zero(t, f.disk.reads.Load())
}

func TestEngine_ScopedKindNeedsScope(t *testing.T) {
	f := newFixture(t, GuildAvatar, nil)

	res := f.get(t, media.Descriptor{EntityID: "42", ContentHash: "abc"})
	assert.False(t, res.Found())
	assert.Zero(t, f.calls.Load())

	res = f.get(t, media.Descriptor{EntityID: "42", Scope: "9", ContentHash: "abc"})
	require.True(t, res.Found())
	assert.Equal(t, []string{testBaseURL + "/guilds/9/users/42/avatars/abc.png?size=128"}, f.urls)
	f.waitForFile(t, f.filePath("guild_avatar", "9_42-abc.png"))
}

func TestEngine_ClearInvalidatesBothTiers(t *testing.T) {
	f := newFixture(t, Avatar, nil)
	d := media.Descriptor{EntityID: "42", ContentHash: "abc"}
	path := f.filePath("avatar", "42-abc.png")

	f.get(t, d)
	f.waitForFile(t, path)

	require.NoError(t, f.engine.Clear(context.Background()))
	assert.NoFileExists(t, path)
	assert.Zero(t, f.engine.Stats(context.Background()).MemoryEntries)

	res := f.get(t, d)
	require.True(t, res.Found())
	assert.Equal(t, media.SourceNetwork, res.Source)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestEngine_KeyIsolation(t *testing.T) {
	f := newFixture(t, Avatar, nil)

	old := f.get(t, media.Descriptor{EntityID: "42", ContentHash: "abc"})
	updated := f.get(t, media.Descriptor{EntityID: "42", ContentHash: "def"})

	assert.Equal(t, int32(2), f.calls.Load())
	assert.NotSame(t, old.Image, updated.Image)
	assert.NotEqual(t, *old.Accent, *updated.Accent)
}

func TestEngine_SizeIsPartOfKey(t *testing.T) {
	f := newFixture(t, Avatar, nil)

	f.get(t, media.Descriptor{EntityID: "42", ContentHash: "abc", Size: 256})
	f.get(t, media.Descriptor{EntityID: "42", ContentHash: "abc", Size: 128})
	f.get(t, media.Descriptor{EntityID: "42", ContentHash: "abc"})

	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, []string{
		testBaseURL + "/avatars/42/abc.png?size=256",
		testBaseURL + "/avatars/42/abc.png?size=128",
	}, f.urls)
	f.waitForFile(t, f.filePath("avatar", "42-abc-s256.png"))
	f.waitForFile(t, f.filePath("avatar", "42-abc.png"))
}

func TestEngine_FailuresAreMissesAndNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := newFixture(t, Avatar, func(_ context.Context, url string) ([]byte, error) {
		if fail.Load() {
			return nil, errors.New("connection reset")
		}
		return encodeSolid(t, colourFor(url)), nil
	})
	d := media.Descriptor{EntityID: "42", ContentHash: "abc"}

	res := f.get(t, d)
	assert.False(t, res.Found())
	assert.Equal(t, int32(1), f.calls.Load())

	fail.Store(false)
	res = f.get(t, d)
	assert.True(t, res.Found())
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestEngine_UndecodablePayloadIsMiss(t *testing.T) {
	f := newFixture(t, Avatar, func(context.Context, string) ([]byte, error) {
		return []byte("<html>rate limited</html>"), nil
	})

	res := f.get(t, media.Descriptor{EntityID: "42", ContentHash: "abc"})
	assert.False(t, res.Found())
	assert.Zero(t, f.engine.Stats(context.Background()).MemoryEntries)
	assert.NoFileExists(t, f.filePath("avatar", "42-abc.png"))
}

func TestEngine_CorruptDiskEntryFallsThrough(t *testing.T) {
	f := newFixture(t, Avatar, nil)
	dir := filepath.Join(f.dir, "avatar")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "42-abc.png"), []byte("garbage"), 0o644))

	res := f.get(t, media.Descriptor{EntityID: "42", ContentHash: "abc"})
	require.True(t, res.Found())
	assert.Equal(t, media.SourceNetwork, res.Source)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestEngine_BannerKeepsShape(t *testing.T) {
	f := newFixture(t, Banner, nil)

	res := f.get(t, media.Descriptor{EntityID: "42", ContentHash: "abc"})
	require.True(t, res.Found())
	require.NotNil(t, res.Accent)
	// No mask: corners stay opaque.
	assert.Equal(t, uint32(0xffff), alphaAt(res.Image, 0, 0))
}

func TestEngine_EmojiHasNoAccent(t *testing.T) {
	f := newFixture(t, Emoji, nil)

	res := f.get(t, media.Descriptor{EntityID: "1234", ContentHash: "party_parrot"})
	require.True(t, res.Found())
	assert.Nil(t, res.Accent)
	assert.Equal(t, []string{testBaseURL + "/emojis/1234.png?size=64"}, f.urls)
	f.waitForFile(t, f.filePath("emoji", "1234-party_parrot.png"))
}

func TestEngine_AbandonedRequestIsDropped(t *testing.T) {
	f := newFixture(t, Avatar, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var delivered atomic.Bool
	f.engine.Resolve(ctx, media.Descriptor{EntityID: "42", ContentHash: "abc"}, func(media.Result) {
		delivered.Store(true)
	})

	// The fetch still completes and fills the cache.
	require.Eventually(t, func() bool {
		return f.engine.Stats(context.Background()).MemoryEntries == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, delivered.Load())
}

func TestEngine_DeliversThroughDispatcher(t *testing.T) {
	f := newFixture(t, Avatar, nil)
	loop := NewLoop(8)
	defer loop.Close()

	var dispatched atomic.Int32
	f.engine.dispatcher = DispatchFunc(func(fn func()) {
		dispatched.Add(1)
		loop.Dispatch(fn)
	})

	done := make(chan media.Result, 2)
	d := media.Descriptor{EntityID: "42", ContentHash: "abc"}
	f.engine.Resolve(context.Background(), d, func(res media.Result) { done <- res })
	res := <-done
	require.True(t, res.Found())

	// Memory hits are dispatched too.
	f.engine.Resolve(context.Background(), d, func(res media.Result) { done <- res })
	res = <-done
	assert.Equal(t, media.SourceMemory, res.Source)
	assert.Equal(t, int32(2), dispatched.Load())
}

func TestEngine_ResolveFromDispatchLoop(t *testing.T) {
	f := newFixture(t, Emoji, nil)
	d := media.Descriptor{EntityID: "1234", ContentHash: "wave"}
	require.True(t, f.get(t, d).Found())

	loop := NewLoop(1)
	defer loop.Close()
	f.engine.dispatcher = loop

	// Each completion asks for the next image from the loop itself, the way
	// a list view loads its rows.
	const n = 5
	done := make(chan int, 1)
	var next func(i int) func(media.Result)
	next = func(i int) func(media.Result) {
		return func(res media.Result) {
			if !res.Found() || i == n {
				done <- i
				return
			}
			f.engine.Resolve(context.Background(), d, next(i+1))
			f.engine.Resolve(context.Background(), d, func(media.Result) {})
		}
	}
	loop.Dispatch(func() {
		f.engine.Resolve(context.Background(), d, next(1))
		f.engine.Resolve(context.Background(), d, func(media.Result) {})
	})

	select {
	case got := <-done:
		assert.Equal(t, n, got)
	case <-time.After(5 * time.Second):
		t.Fatal("Resolve on the dispatch loop never completed")
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestEngine_ResolveDoesNotBlockWhenQueueBusy(t *testing.T) {
	f := newFixtureWith(t, Avatar, 1, nil)
	gate := make(chan struct{})
	f.disk.gate = gate
	t.Cleanup(func() { close(gate) })

	results := make(chan media.Result, 2)
	f.engine.Resolve(context.Background(), media.Descriptor{EntityID: "42", ContentHash: "abc"}, func(res media.Result) {
		results <- res
	})
	// The only worker is now parked in a disk read.
	require.Eventually(t, func() bool { return f.disk.reads.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	returned := make(chan struct{})
	go func() {
		f.engine.Resolve(context.Background(), media.Descriptor{EntityID: "42", ContentHash: "def"}, func(res media.Result) {
			results <- res
		})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Resolve blocked its caller while the queue was busy")
	}
	assert.Empty(t, results)
}

func TestEngine_QueuedLookupCompletesOnceWorkerFrees(t *testing.T) {
	f := newFixtureWith(t, Avatar, 1, nil)
	gate := make(chan struct{})
	f.disk.gate = gate

	results := make(chan media.Result, 2)
	for _, hash := range []string{"abc", "def"} {
		f.engine.Resolve(context.Background(), media.Descriptor{EntityID: "42", ContentHash: hash}, func(res media.Result) {
			results <- res
		})
	}
	require.Eventually(t, func() bool { return f.disk.reads.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			assert.True(t, res.Found())
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 2 completions delivered", i)
		}
	}
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestEngine_ProcessingRunsOnQueue(t *testing.T) {
	fetchGate := make(chan struct{})
	f := newFixtureWith(t, Avatar, 1, func(_ context.Context, url string) ([]byte, error) {
		<-fetchGate
		return encodeSolid(t, colourFor(url)), nil
	})

	results := make(chan media.Result, 1)
	f.engine.Resolve(context.Background(), media.Descriptor{EntityID: "42", ContentHash: "abc"}, func(res media.Result) {
		results <- res
	})
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	// Occupy the only worker; the fetched bytes cannot be processed until it
	// is free again.
	hold := make(chan struct{})
	held := make(chan struct{})
	require.NoError(t, f.queue.Schedule(func() {
		close(held)
		<-hold
	}))
	<-held
	close(fetchGate)

	select {
	case <-results:
		t.Fatal("image was processed while every worker was busy")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, f.engine.Stats(context.Background()).MemoryEntries)

	close(hold)
	select {
	case res := <-results:
		require.True(t, res.Found())
		assert.Equal(t, media.SourceNetwork, res.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("completion never delivered")
	}
}

func TestEngine_ClearDoesNotAffectInFlightFetch(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, Avatar, func(_ context.Context, url string) ([]byte, error) {
		<-gate
		return encodeSolid(t, colourFor(url)), nil
	})
	d := media.Descriptor{EntityID: "42", ContentHash: "abc"}

	results := make(chan media.Result, 1)
	f.engine.Resolve(context.Background(), d, func(res media.Result) {
		results <- res
	})
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.Clear(context.Background()))
	close(gate)

	select {
	case res := <-results:
		require.True(t, res.Found())
		assert.Equal(t, media.SourceNetwork, res.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight fetch was lost by Clear")
	}
	assert.Equal(t, 1, f.engine.Stats(context.Background()).MemoryEntries)
	f.waitForFile(t, f.filePath("avatar", "42-abc.png"))

	res := f.get(t, d)
	assert.Equal(t, media.SourceMemory, res.Source)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestEngine_GetHonoursContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, Avatar, func(_ context.Context, url string) ([]byte, error) {
		<-gate
		return encodeSolid(t, colourFor(url)), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.engine.Get(ctx, media.Descriptor{EntityID: "42", ContentHash: "abc"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewEngine_Validates(t *testing.T) {
	_, err := NewEngine(Options{Kind: Avatar}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewEngine(Options{}, zap.NewNop())
	assert.Error(t, err)
}

func alphaAt(img image.Image, x, y int) uint32 {
	_, _, _, a := img.At(x, y).RGBA()
	return a
}
