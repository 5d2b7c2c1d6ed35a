/*
 * MIT License
 *
 * Copyright (c) 2021 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package supervisor_test

import (
	"context"

	"github.com/caldavsupervisor/core/internal/clock"
	"github.com/caldavsupervisor/core/internal/snapshot"
	"github.com/caldavsupervisor/core/internal/supervisor"
	"github.com/caldavsupervisor/core/internal/xerr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Orchestrator.Run", func() {
	It("rejects an unrecognized ProcessType with a ConfigurationError", func() {
		cfg := &snapshot.Config{ProcessType: "Bogus"}
		o := supervisor.New(cfg, nil, clock.New(), nil)

		err := o.Run(context.Background())

		Expect(xerr.Has(err, xerr.ConfigurationError)).To(BeTrue())
	})

	It("runs a Utility-mode pass to completion without opening any listener", func() {
		cfg := &snapshot.Config{ProcessType: "Utility"}
		o := supervisor.New(cfg, nil, clock.New(), nil)

		err := o.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
	})

	It("runs the store hooks in order in Utility mode", func() {
		cfg := &snapshot.Config{ProcessType: "Utility"}
		o := supervisor.New(cfg, nil, clock.New(), nil)

		var order []string
		record := func(name string) func(context.Context) error {
			return func(context.Context) error {
				order = append(order, name)
				return nil
			}
		}
		o.SetStoreHooks(supervisor.StoreHooks{
			AcquireLock:   record("acquire"),
			UpgradeSchema: record("schema"),
			UpgradeData:   record("data"),
			ReleaseLock:   record("release"),
		})

		Expect(o.Run(context.Background())).To(Succeed())
		Expect(order).To(Equal([]string{"acquire", "schema", "data", "release"}))
	})

	It("still releases the lock when an upgrade step fails, keeping the failure", func() {
		cfg := &snapshot.Config{ProcessType: "DPS"}
		o := supervisor.New(cfg, nil, clock.New(), nil)

		var order []string
		o.SetStoreHooks(supervisor.StoreHooks{
			AcquireLock: func(context.Context) error {
				order = append(order, "acquire")
				return nil
			},
			UpgradeSchema: func(context.Context) error {
				order = append(order, "schema")
				return xerr.New(xerr.StoreNotAvailable, "schema version unknown")
			},
			UpgradeData: func(context.Context) error {
				order = append(order, "data")
				return nil
			},
			ReleaseLock: func(context.Context) error {
				order = append(order, "release")
				return nil
			},
		})

		err := o.Run(context.Background())

		Expect(xerr.Has(err, xerr.StoreNotAvailable)).To(BeTrue())
		Expect(order).To(Equal([]string{"acquire", "schema", "release"}))
	})

	It("requires a worker service factory in Single mode", func() {
		cfg := &snapshot.Config{ProcessType: "Single"}
		o := supervisor.New(cfg, nil, clock.New(), nil)

		err := o.Run(context.Background())

		Expect(xerr.Has(err, xerr.ConfigurationError)).To(BeTrue())
	})
})
