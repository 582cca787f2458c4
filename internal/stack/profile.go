// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stack

import (
	"time"
)

// ProfileParams carries the operator-tunable values the built-in profile
// is rendered with. Everything else about the profile (images, mounts,
// probes, seed data) is fixed data here.
type ProfileParams struct {
	Project          string
	Timezone         string
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	BrokerUser       string
	BrokerPassword   string
}

const brokerConfig = `persistence true
persistence_location /mosquitto/data/

log_dest stdout

listener 1883
allow_anonymous false
password_file /mosquitto/config/passwd
`

const seedSQL = `CREATE TABLE IF NOT EXISTS measurements (
    id          BIGSERIAL PRIMARY KEY,
    topic       TEXT NOT NULL,
    payload     JSONB,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Default returns the built-in stack profile: a PostgreSQL database, a
// Mosquitto MQTT broker, and a Node-RED flow engine that depends on
// both. Credentials and timezone come from params; the broker credential
// and the database seed are applied as post-start steps because both
// need the service live.
//
// The broker deliberately carries no health probe. Its configuration
// disables anonymous access, and the credential that a probe would
// authenticate with is only set by the broker's own post-start step, so
// a meaningful probe cannot run during the start phase. The broker
// counts as healthy once running.
func Default(params ProfileParams) *StackDescription {
	project := params.Project

	db := &ServiceSpec{
		Name:      "db",
		Image:     "postgres:16.4-alpine",
		Fallbacks: []string{"postgres:16-alpine"},
		Env: map[string]string{
			"POSTGRES_USER":     "${POSTGRES_USER}",
			"POSTGRES_PASSWORD": "${POSTGRES_PASSWORD}",
			"POSTGRES_DB":       "${POSTGRES_DB}",
			"TZ":                "${TZ}",
		},
		Volumes: []Mount{
			{Source: project + "-db-data", Target: "/var/lib/postgresql/data"},
		},
		Files: []ConfigFile{{
			Name:    "seed.sql",
			Content: seedSQL,
			Target:  "/docker-entrypoint-initdb.d/10-seed.sql",
		}},
		Check: &HealthCheck{
			Command:     []string{"sh", "-c", `pg_isready -U "$POSTGRES_USER" -d "$POSTGRES_DB"`},
			Interval:    Duration(5 * time.Second),
			Timeout:     Duration(5 * time.Second),
			Retries:     12,
			StartPeriod: Duration(10 * time.Second),
		},
		PostStart: []PostStartStep{{
			Name:     "seed-database",
			Command:  []string{"sh", "-c", `psql -U "$POSTGRES_USER" -d "$POSTGRES_DB" -v ON_ERROR_STOP=1 -f /docker-entrypoint-initdb.d/10-seed.sql`},
			Attempts: 5,
			Delay:    Duration(5 * time.Second),
		}},
	}

	broker := &ServiceSpec{
		Name:      "broker",
		Image:     "eclipse-mosquitto:2.0.18",
		Fallbacks: []string{"eclipse-mosquitto:2"},
		Env: map[string]string{
			"BROKER_USER":     "${BROKER_USER}",
			"BROKER_PASSWORD": "${BROKER_PASSWORD}",
			"TZ":              "${TZ}",
		},
		Ports: []string{"1883:1883"},
		Volumes: []Mount{
			{Source: "./config/broker", Target: "/mosquitto/config"},
			{Source: project + "-broker-data", Target: "/mosquitto/data"},
		},
		Files: []ConfigFile{
			{Name: "mosquitto.conf", Content: brokerConfig},
			// The password file must exist before the broker's first
			// start or mosquitto refuses to come up; the credential step
			// then populates it in place.
			{Name: "passwd", Content: ""},
		},
		PostStart: []PostStartStep{{
			Name:     "broker-credential",
			Command:  []string{"sh", "-c", `mosquitto_passwd -b /mosquitto/config/passwd "$BROKER_USER" "$BROKER_PASSWORD"`},
			Attempts: 5,
			Delay:    Duration(5 * time.Second),
		}, {
			Name:     "broker-reload",
			Command:  []string{"sh", "-c", "kill -HUP 1"},
			Attempts: 3,
			Delay:    Duration(2 * time.Second),
		}},
	}

	flows := &ServiceSpec{
		Name:      "flows",
		Image:     "nodered/node-red:4.0.2",
		Fallbacks: []string{"nodered/node-red:4.0", "nodered/node-red:latest"},
		DependsOn: []string{"db", "broker"},
		Env: map[string]string{
			"TZ": "${TZ}",
		},
		Ports: []string{"1880:1880"},
		Volumes: []Mount{
			{Source: project + "-flows-data", Target: "/data"},
		},
		Check: &HealthCheck{
			Command: []string{
				"node", "-e",
				`require('http').get('http://127.0.0.1:1880/', (r) => process.exit(r.statusCode < 500 ? 0 : 1)).on('error', () => process.exit(1))`,
			},
			Interval:    Duration(5 * time.Second),
			Timeout:     Duration(10 * time.Second),
			Retries:     24,
			StartPeriod: Duration(15 * time.Second),
		},
	}

	return &StackDescription{
		Project: project,
		Environment: map[string]string{
			"TZ":                params.Timezone,
			"POSTGRES_USER":     params.DatabaseUser,
			"POSTGRES_PASSWORD": params.DatabasePassword,
			"POSTGRES_DB":       params.DatabaseName,
			"BROKER_USER":       params.BrokerUser,
			"BROKER_PASSWORD":   params.BrokerPassword,
		},
		Services: map[string]*ServiceSpec{
			"db":     db,
			"broker": broker,
			"flows":  flows,
		},
	}
}
