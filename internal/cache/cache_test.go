package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/frahmantamala/access-control/internal/cache"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache Suite")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var _ = Describe("Cache", func() {
	var (
		clock *fakeClock
		c     *cache.Cache[string]
	)

	BeforeEach(func() {
		var err error
		clock = &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
		c, err = cache.New[string](100, time.Minute, cache.WithClock[string](clock.Now))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should return a value set immediately before", func() {
		c.Set("k", "v", time.Second)

		v, ok := c.Get("k")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("v"))
	})

	It("should miss and evict once the ttl has passed", func() {
		// Given
		c.Set("k", "v", time.Second)
		Expect(c.Len()).To(Equal(1))

		// When
		clock.Advance(time.Second)

		// Then
		_, ok := c.Get("k")
		Expect(ok).To(BeFalse())
		Expect(c.Len()).To(Equal(0))
	})

	It("should keep expired entries until they are read", func() {
		c.Set("a", "1", time.Second)
		c.Set("b", "2", time.Second)
		clock.Advance(time.Hour)

		Expect(c.Len()).To(Equal(2))
		_, _ = c.Get("a")
		Expect(c.Len()).To(Equal(1))
	})

	It("should use the default ttl for SetDefault", func() {
		c.SetDefault("k", "v")

		clock.Advance(59 * time.Second)
		_, ok := c.Get("k")
		Expect(ok).To(BeTrue())

		clock.Advance(time.Second)
		_, ok = c.Get("k")
		Expect(ok).To(BeFalse())
	})

	It("should treat a zero ttl as an overwrite that hides the old value", func() {
		c.Set("k", "old", time.Hour)

		c.Set("k", "ignored", 0)

		_, ok := c.Get("k")
		Expect(ok).To(BeFalse())
	})

	It("should replace a value with a fresh one", func() {
		c.Set("k", "old", time.Hour)
		c.Set("k", "new", time.Hour)

		v, ok := c.Get("k")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("new"))
	})

	It("should delete and purge", func() {
		c.Set("a", "1", time.Hour)
		c.Set("b", "2", time.Hour)

		c.Delete("a")
		_, ok := c.Get("a")
		Expect(ok).To(BeFalse())

		c.Purge()
		Expect(c.Len()).To(Equal(0))
	})

	It("should stay within its size bound", func() {
		small, err := cache.New[int](2, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		small.SetDefault("a", 1)
		small.SetDefault("b", 2)
		small.SetDefault("c", 3)

		Expect(small.Len()).To(Equal(2))
		_, ok := small.Get("a")
		Expect(ok).To(BeFalse())
	})

	It("should expire against the real clock", func() {
		live, err := cache.New[string](10, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		live.Set("k", "v", 20*time.Millisecond)
		v, ok := live.Get("k")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("v"))

		time.Sleep(40 * time.Millisecond)
		_, ok = live.Get("k")
		Expect(ok).To(BeFalse())
	})

	It("should be safe for concurrent use", func() {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer GinkgoRecover()
				key := cache.UserRolesKey("u1")
				c.Set(key, "roles", time.Minute)
				_, _ = c.Get(key)
			}(i)
		}
		wg.Wait()

		v, ok := c.Get(cache.UserRolesKey("u1"))
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("roles"))
	})

	Describe("keys", func() {
		It("should be deterministic and namespaced", func() {
			Expect(cache.UserRolesKey("u1")).To(Equal(cache.UserRolesKey("u1")))
			Expect(cache.UserRolesKey("x")).NotTo(Equal(cache.RolePermissionsKey("x")))
			Expect(cache.PermissionExistsKey("user.read")).To(Equal("permission-exists:user.read"))
		})
	})
})
