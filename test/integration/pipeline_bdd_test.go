//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/daemon"
	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
	"github.com/ted-sharp/aloe-apps-filebridge/internal/infra"
)

var _ = Describe("Watch Pipeline", func() {
	var (
		tmpDir   string
		watchDir string
		logDir   string
		outFile  string
		store    *infra.FileLogStore
		engine   *daemon.Engine
	)

	// writeHandler creates a shell script the profiles launch.
	writeHandler := func(name, body string) string {
		path := filepath.Join(tmpDir, name)
		Expect(os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755)).To(Succeed())
		return path
	}

	launches := func() []string {
		data, err := os.ReadFile(outFile)
		if err != nil {
			return nil
		}
		return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	startEngine := func(profile domain.WatchProfile) {
		engine = daemon.NewEngine(profile, store, infra.NewProcessManager(), zap.NewNop())
		Expect(engine.Start()).To(Succeed())
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "filebridge-integration-*")
		Expect(err).NotTo(HaveOccurred())

		watchDir = filepath.Join(tmpDir, "watch")
		Expect(os.Mkdir(watchDir, 0755)).To(Succeed())
		logDir = filepath.Join(tmpDir, "logs")
		outFile = filepath.Join(tmpDir, "launched.txt")

		store, err = infra.NewFileLogStore(logDir, 10000, 30, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if engine != nil {
			engine.Stop()
			engine = nil
		}
		store.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("in-progress writes", func() {
		It("does not dispatch until the file stops growing", func() {
			handler := writeHandler("handler.sh", `echo "$1" >> `+outFile)
			startEngine(domain.WatchProfile{
				Name:                    "slow-writer",
				WatchDirectory:          watchDir,
				PollingIntervalSeconds:  1,
				ExecutablePath:          handler,
				Arguments:               "{FilePath}",
				SizeCheckIntervalMs:     50,
				SizeStabilityCheckCount: 4,
			})

			target := filepath.Join(watchDir, "big.dat")
			f, err := os.Create(target)
			Expect(err).NotTo(HaveOccurred())

			var lastWrite time.Time
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				for i := 0; i < 10; i++ {
					_, err := f.Write(make([]byte, 64*1024))
					Expect(err).NotTo(HaveOccurred())
					lastWrite = time.Now()
					time.Sleep(100 * time.Millisecond)
				}
				f.Close()
			}()

			<-done
			Expect(launches()).To(BeEmpty(), "dispatched while the writer was active")

			Eventually(launches, 5*time.Second, 50*time.Millisecond).Should(Equal([]string{target}))
			Expect(time.Now().After(lastWrite.Add(200 * time.Millisecond))).To(BeTrue())

			Consistently(launches, 1500*time.Millisecond, 100*time.Millisecond).Should(HaveLen(1))
		})
	})

	Describe("concurrency bound", func() {
		It("never runs more children than the configured maximum", func() {
			eventsFile := filepath.Join(tmpDir, "events.txt")
			handler := writeHandler("handler.sh",
				`echo start >> `+eventsFile+`
sleep 0.4
echo end >> `+eventsFile)

			startEngine(domain.WatchProfile{
				Name:                   "bounded",
				WatchDirectory:         watchDir,
				PollingIntervalSeconds: 1,
				ExecutablePath:         handler,
				Arguments:              "{FilePath}",
				MaxConcurrentProcesses: 2,
			})

			for i := 0; i < 5; i++ {
				name := filepath.Join(watchDir, "f"+string(rune('a'+i))+".bin")
				Expect(os.WriteFile(name, []byte("data"), 0644)).To(Succeed())
			}

			countEnds := func() int {
				data, _ := os.ReadFile(eventsFile)
				return strings.Count(string(data), "end")
			}
			Eventually(countEnds, 15*time.Second, 100*time.Millisecond).Should(Equal(5))

			// Replay the event stream; concurrent children = starts - ends.
			data, err := os.ReadFile(eventsFile)
			Expect(err).NotTo(HaveOccurred())
			inFlight, maxInFlight := 0, 0
			for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
				switch line {
				case "start":
					inFlight++
					if inFlight > maxInFlight {
						maxInFlight = inFlight
					}
				case "end":
					inFlight--
				}
			}
			Expect(maxInFlight).To(BeNumerically("<=", 2))
		})
	})

	Describe("journal round-trip", func() {
		It("records dispatches and reads them back with pagination", func() {
			handler := writeHandler("handler.sh", `echo "$1" >> `+outFile)
			startEngine(domain.WatchProfile{
				Name:                   "journaled",
				WatchDirectory:         watchDir,
				PollingIntervalSeconds: 1,
				ExecutablePath:         handler,
				Arguments:              "{FilePath}",
			})

			for i := 0; i < 3; i++ {
				name := filepath.Join(watchDir, "f"+string(rune('a'+i))+".bin")
				Expect(os.WriteFile(name, []byte("data"), 0644)).To(Succeed())
			}

			Eventually(launches, 5*time.Second, 50*time.Millisecond).Should(HaveLen(3))
			engine.Stop()
			engine = nil

			all, err := store.Query(domain.LogFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all.Total).To(BeNumerically(">=", 6), "expected FileEvent and ProcessLaunch per file")

			events, err := store.Query(domain.LogFilter{Types: []domain.LogType{domain.LogFileEvent}})
			Expect(err).NotTo(HaveOccurred())
			Expect(events.Total).To(Equal(3))

			// Pages are monotone and non-overlapping.
			seen := map[string]bool{}
			for page := 1; ; page++ {
				p, err := store.Query(domain.LogFilter{Page: page, PageSize: 2})
				Expect(err).NotTo(HaveOccurred())
				if len(p.Entries) == 0 {
					break
				}
				for _, e := range p.Entries {
					Expect(seen[e.ID]).To(BeFalse(), "entry repeated across pages")
					seen[e.ID] = true
				}
			}
			Expect(seen).To(HaveLen(all.Total))
		})
	})
})
