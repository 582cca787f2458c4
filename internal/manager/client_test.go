// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package manager_test

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/gantry/internal/manager"
)

type clientSuite struct {
	testing.IsolationSuite

	stub    *testing.Stub
	outputs []string
	client  *manager.Client
}

var _ = gc.Suite(&clientSuite{})

func (s *clientSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.stub = &testing.Stub{}
	s.outputs = nil
	s.client = manager.NewClientWithRunner("docker", s.run)
}

func (s *clientSuite) run(ctx context.Context, path string, args ...string) (string, error) {
	s.stub.AddCall("run", path, args)
	var out string
	if len(s.outputs) > 0 {
		out, s.outputs = s.outputs[0], s.outputs[1:]
	}
	if err := s.stub.NextErr(); err != nil {
		return out, err
	}
	return out, nil
}

func (s *clientSuite) TestPing(c *gc.C) {
	err := s.client.Ping(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "run", Args: []interface{}{"docker", []string{"info", "--format", "{{.ServerVersion}}"}}},
	})
}

func (s *clientSuite) TestPingDaemonDown(c *gc.C) {
	s.outputs = []string{"Cannot connect to the Docker daemon at unix:///var/run/docker.sock\n"}
	s.stub.SetErrors(errors.New("exit status 1"))
	err := s.client.Ping(context.Background())
	c.Assert(err, gc.ErrorMatches, "pinging daemon: .*Cannot connect to the Docker daemon.*")
}

func (s *clientSuite) TestPullImage(c *gc.C) {
	err := s.client.PullImage(context.Background(), "postgres:16-alpine")
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "run", Args: []interface{}{"docker", []string{"pull", "postgres:16-alpine"}}},
	})
}

func (s *clientSuite) TestEnsureNetworkAlreadyExists(c *gc.C) {
	s.outputs = []string{"demo-net\n"}
	err := s.client.EnsureNetwork(context.Background(), "demo-net", map[string]string{"gantry.project": "demo"})
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "run", Args: []interface{}{"docker", []string{"network", "inspect", "--format", "{{.Name}}", "demo-net"}}},
	})
}

func (s *clientSuite) TestEnsureNetworkCreates(c *gc.C) {
	s.outputs = []string{"Error: No such network: demo-net\n", ""}
	s.stub.SetErrors(errors.New("exit status 1"), nil)
	err := s.client.EnsureNetwork(context.Background(), "demo-net", map[string]string{"gantry.project": "demo"})
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "run", Args: []interface{}{"docker", []string{"network", "inspect", "--format", "{{.Name}}", "demo-net"}}},
		{FuncName: "run", Args: []interface{}{"docker", []string{"network", "create", "--label", "gantry.project=demo", "demo-net"}}},
	})
}

func (s *clientSuite) TestEnsureNetworkInspectFailure(c *gc.C) {
	s.outputs = []string{"permission denied\n"}
	s.stub.SetErrors(errors.New("exit status 1"))
	err := s.client.EnsureNetwork(context.Background(), "demo-net", nil)
	c.Assert(err, gc.ErrorMatches, ".*permission denied.*")
	s.stub.CheckCallNames(c, "run")
}

func (s *clientSuite) TestEnsureVolumeCreates(c *gc.C) {
	s.outputs = []string{"Error response from daemon: get demo-db-data: no such volume\n", ""}
	s.stub.SetErrors(errors.New("exit status 1"), nil)
	err := s.client.EnsureVolume(context.Background(), "demo-db-data", map[string]string{"gantry.project": "demo"})
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "run", Args: []interface{}{"docker", []string{"volume", "inspect", "--format", "{{.Name}}", "demo-db-data"}}},
		{FuncName: "run", Args: []interface{}{"docker", []string{"volume", "create", "--label", "gantry.project=demo", "demo-db-data"}}},
	})
}

const inspectDocument = `[{
	"State": {"Status": "running"},
	"Config": {
		"Image": "postgres:16-alpine",
		"Labels": {"gantry.project": "demo", "gantry.service": "db", "gantry.fingerprint": "abcd"}
	}
}]`

func (s *clientSuite) TestLookupContainer(c *gc.C) {
	s.outputs = []string{inspectDocument}
	container, err := s.client.LookupContainer(context.Background(), "demo-db")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(container, gc.DeepEquals, manager.Container{
		Name:  "demo-db",
		State: "running",
		Image: "postgres:16-alpine",
		Labels: map[string]string{
			"gantry.project":     "demo",
			"gantry.service":     "db",
			"gantry.fingerprint": "abcd",
		},
	})
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "run", Args: []interface{}{"docker", []string{"container", "inspect", "demo-db"}}},
	})
}

func (s *clientSuite) TestLookupContainerNotFound(c *gc.C) {
	s.outputs = []string{"[]\nError: No such container: demo-db\n"}
	s.stub.SetErrors(errors.New("exit status 1"))
	_, err := s.client.LookupContainer(context.Background(), "demo-db")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *clientSuite) TestLookupContainerBadDocument(c *gc.C) {
	s.outputs = []string{"not json"}
	_, err := s.client.LookupContainer(context.Background(), "demo-db")
	c.Assert(err, gc.ErrorMatches, `decoding inspect output for "demo-db": .*`)
}

func (s *clientSuite) TestCreateContainer(c *gc.C) {
	err := s.client.CreateContainer(context.Background(), manager.ContainerSpec{
		Name:    "demo-db",
		Image:   "postgres:16-alpine",
		Network: "demo-net",
		Alias:   "db",
		Env: map[string]string{
			"POSTGRES_USER": "admin",
			"B_FIRST":       "sorted",
		},
		Binds:         []string{"demo-db-data:/var/lib/postgresql/data", "/srv/demo/config/db/seed.sql:/docker-entrypoint-initdb.d/10-seed.sql:ro"},
		Ports:         []string{"5432:5432"},
		Labels:        map[string]string{"gantry.service": "db", "gantry.project": "demo"},
		RestartPolicy: "unless-stopped",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "run", Args: []interface{}{"docker", []string{
			"container", "create",
			"--name", "demo-db",
			"--network", "demo-net",
			"--network-alias", "db",
			"--restart", "unless-stopped",
			"--env", "B_FIRST=sorted",
			"--env", "POSTGRES_USER=admin",
			"--volume", "demo-db-data:/var/lib/postgresql/data",
			"--volume", "/srv/demo/config/db/seed.sql:/docker-entrypoint-initdb.d/10-seed.sql:ro",
			"--publish", "5432:5432",
			"--label", "gantry.project=demo",
			"--label", "gantry.service=db",
			"postgres:16-alpine",
		}}},
	})
}

func (s *clientSuite) TestStartStopRemove(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.client.StartContainer(ctx, "demo-db"), jc.ErrorIsNil)
	c.Assert(s.client.StopContainer(ctx, "demo-db"), jc.ErrorIsNil)
	c.Assert(s.client.RemoveContainer(ctx, "demo-db"), jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "run", Args: []interface{}{"docker", []string{"container", "start", "demo-db"}}},
		{FuncName: "run", Args: []interface{}{"docker", []string{"container", "stop", "demo-db"}}},
		{FuncName: "run", Args: []interface{}{"docker", []string{"container", "rm", "--force", "demo-db"}}},
	})
}

func (s *clientSuite) TestRemoveContainerNotFound(c *gc.C) {
	s.outputs = []string{"Error: No such container: demo-db\n"}
	s.stub.SetErrors(errors.New("exit status 1"))
	err := s.client.RemoveContainer(context.Background(), "demo-db")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *clientSuite) TestListContainers(c *gc.C) {
	s.outputs = []string{"demo-db\ndemo-broker\n", inspectDocument, inspectDocument}
	containers, err := s.client.ListContainers(context.Background(), map[string]string{"gantry.project": "demo"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(containers, gc.HasLen, 2)
	c.Assert(containers[0].Name, gc.Equals, "demo-db")
	c.Assert(containers[1].Name, gc.Equals, "demo-broker")
	s.stub.CheckCall(c, 0, "run", "docker", []string{
		"container", "ls", "--all",
		"--filter", "label=gantry.project=demo",
		"--format", "{{.Names}}",
	})
	s.stub.CheckCall(c, 1, "run", "docker", []string{"container", "inspect", "demo-db"})
	s.stub.CheckCall(c, 2, "run", "docker", []string{"container", "inspect", "demo-broker"})
}

func (s *clientSuite) TestListContainersSkipsRacilyRemoved(c *gc.C) {
	s.outputs = []string{"demo-db\ndemo-broker\n", "Error: No such container: demo-db\n", inspectDocument}
	s.stub.SetErrors(nil, errors.New("exit status 1"), nil)
	containers, err := s.client.ListContainers(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(containers, gc.HasLen, 1)
	c.Assert(containers[0].Name, gc.Equals, "demo-broker")
}

func (s *clientSuite) TestListVolumes(c *gc.C) {
	s.outputs = []string{"demo-db-data\ndemo-flows-data\n"}
	volumes, err := s.client.ListVolumes(context.Background(), map[string]string{"gantry.project": "demo"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(volumes, gc.DeepEquals, []string{"demo-db-data", "demo-flows-data"})
	s.stub.CheckCall(c, 0, "run", "docker", []string{
		"volume", "ls",
		"--filter", "label=gantry.project=demo",
		"--format", "{{.Name}}",
	})
}

func (s *clientSuite) TestListNetworks(c *gc.C) {
	s.outputs = []string{"demo-net\n"}
	networks, err := s.client.ListNetworks(context.Background(), map[string]string{"gantry.project": "demo"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(networks, gc.DeepEquals, []string{"demo-net"})
	s.stub.CheckCall(c, 0, "run", "docker", []string{
		"network", "ls",
		"--filter", "label=gantry.project=demo",
		"--format", "{{.Name}}",
	})
}

func (s *clientSuite) TestRemoveVolumeNotFound(c *gc.C) {
	s.outputs = []string{"Error response from daemon: get demo-db-data: no such volume\n"}
	s.stub.SetErrors(errors.New("exit status 1"))
	err := s.client.RemoveVolume(context.Background(), "demo-db-data")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *clientSuite) TestRemoveNetwork(c *gc.C) {
	err := s.client.RemoveNetwork(context.Background(), "demo-net")
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCall(c, 0, "run", "docker", []string{"network", "rm", "demo-net"})
}

func (s *clientSuite) TestExec(c *gc.C) {
	s.outputs = []string{"CREATE TABLE\n"}
	out, err := s.client.Exec(context.Background(), "demo-db", []string{"psql", "-c", "CREATE TABLE t (id INT)"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, gc.Equals, "CREATE TABLE\n")
	s.stub.CheckCall(c, 0, "run", "docker", []string{"exec", "demo-db", "psql", "-c", "CREATE TABLE t (id INT)"})
}

func (s *clientSuite) TestExecFailureReturnsOutput(c *gc.C) {
	s.outputs = []string{"psql: connection refused\n"}
	s.stub.SetErrors(errors.New("exit status 2"))
	out, err := s.client.Exec(context.Background(), "demo-db", []string{"psql"})
	c.Assert(err, gc.NotNil)
	c.Assert(out, gc.Equals, "psql: connection refused\n")
}

func (s *clientSuite) TestPruneSystem(c *gc.C) {
	err := s.client.PruneSystem(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCall(c, 0, "run", "docker", []string{"system", "prune", "--force"})
}

func (s *clientSuite) TestContainerRunning(c *gc.C) {
	c.Assert(manager.Container{State: "running"}.Running(), jc.IsTrue)
	c.Assert(manager.Container{State: "exited"}.Running(), jc.IsFalse)
	c.Assert(manager.Container{State: "created"}.Running(), jc.IsFalse)
}
