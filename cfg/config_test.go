// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBindFlagsRegistersEveryField(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flagSet))

	for _, name := range []string{
		"serve", "listen", "invalidation-coalesce-window", "metrics-listen",
		"mountpoint", "connect", "read-only",
		"reconnect-backoff-min", "reconnect-backoff-max",
		"log-severity", "log-format", "log-file",
	} {
		require.NotNil(t, flagSet.Lookup(name), "flag %q not registered", name)
	}
}

func TestConfigRoundTripsThroughYAML(t *testing.T) {
	def := Default()
	def.Serve.Dir = "/srv/data"
	def.Serve.Listen = Endpoint{Scheme: SchemeIPC, Path: "/tmp/rewofs.sock"}
	def.Mount.Mountpoint = "/mnt/data"
	def.Mount.Connect = Endpoint{Scheme: SchemeTCP, Address: "host:1234"}

	out, err := yaml.Marshal(def)
	require.NoError(t, err)

	var got Config
	require.NoError(t, yaml.Unmarshal(out, &got))
	require.Equal(t, def, got)
}

func TestEndpointYAMLTextMarshaling(t *testing.T) {
	c := Config{
		Serve: ServeConfig{
			Listen: Endpoint{Scheme: SchemeTCP, Address: "localhost:9999"},
		},
		Mount: MountConfig{
			Connect: Endpoint{Scheme: SchemeIPC, Path: "/tmp/x.sock"},
		},
	}
	out, err := yaml.Marshal(c)
	require.NoError(t, err)
	require.Contains(t, string(out), "tcp://localhost:9999")

	var got Config
	require.NoError(t, yaml.Unmarshal(out, &got))
	require.Equal(t, c.Serve.Listen, got.Serve.Listen)
	require.Equal(t, c.Mount.Connect, got.Mount.Connect)
}
