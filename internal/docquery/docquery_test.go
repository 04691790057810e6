package docquery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		collection string
		operation  string
		args       int
		wantErr    bool
	}{
		{"find with filter", `users.find({"age": {"$gt": 30}})`, "users", OpFind, 1, false},
		{"find with projection", `users.find({}, {"name": 1})`, "users", OpFind, 2, false},
		{"db prefix", `db.orders.count_documents({"status": "paid"})`, "orders", OpCountDocuments, 1, false},
		{"camel case alias", `orders.countDocuments({})`, "orders", OpCountDocuments, 1, false},
		{"find one alias", `users.findOne({"_id": {"$oid": "507f1f77bcf86cd799439011"}})`, "users", OpFindOne, 1, false},
		{"aggregate", `sales.aggregate([{"$match": {"region": "eu"}}, {"$group": {"_id": "$sku"}}])`, "sales", OpAggregate, 1, false},
		{"distinct", `users.distinct("country", {"active": true})`, "users", OpDistinct, 2, false},
		{"no args", `users.find()`, "users", OpFind, 0, false},
		{"dotted collection", `system.profile.find({})`, "system.profile", OpFind, 1, false},
		{"trailing semicolon", `users.find({});`, "users", OpFind, 1, false},
		{"unknown operation kept", `users.deleteMany({})`, "users", "deleteMany", 1, false},
		{"missing operation", `users({})`, "", "", 0, true},
		{"missing parens", `users.find`, "", "", 0, true},
		{"trailing statement", `users.find({}); users.drop()`, "", "", 0, true},
		{"bad json", `users.find({age: })`, "", "", 0, true},
		{"empty", `   `, "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Parse(tt.query)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.collection, cmd.Collection)
			assert.Equal(t, tt.operation, cmd.Operation)
			assert.Len(t, cmd.Args, tt.args)
		})
	}
}

func TestDocumentAndPipeline(t *testing.T) {
	cmd, err := Parse(`sales.aggregate([{"$match": {"region": "eu"}}])`)
	require.NoError(t, err)

	pipeline, err := cmd.Pipeline(0)
	require.NoError(t, err)
	assert.Len(t, pipeline, 1)

	_, err = cmd.Document(0)
	assert.Error(t, err)

	empty, err := cmd.Document(3)
	require.NoError(t, err)
	assert.Empty(t, empty)

	find, err := Parse(`users.find({"name": "ada"})`)
	require.NoError(t, err)
	filter, err := find.Document(0)
	require.NoError(t, err)
	require.Len(t, filter, 1)
	assert.Equal(t, "name", filter[0].Key)
	assert.Equal(t, "ada", filter[0].Value)
}

func TestWalkKeys(t *testing.T) {
	cmd, err := Parse(`sales.aggregate([{"$match": {"a": {"$in": [1, 2]}}}, {"$out": "copy"}])`)
	require.NoError(t, err)

	var keys []string
	WalkKeys(cmd.Args, func(key string) bool {
		keys = append(keys, key)
		return true
	})
	assert.Equal(t, []string{"$match", "a", "$in", "$out"}, keys)

	var seen int
	WalkKeys(cmd.Args, func(key string) bool {
		seen++
		return key != "$match"
	})
	assert.Equal(t, 1, seen)
}

func TestIsReadOperation(t *testing.T) {
	assert.True(t, IsReadOperation("find"))
	assert.True(t, IsReadOperation("findOne"))
	assert.False(t, IsReadOperation("insertOne"))
}
